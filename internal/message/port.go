package message

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/openkcm/session-relay/internal/serviceerr"
)

// Envelope is a Message as seen by the receiving side of a Port.
// The receiver answers it at most once with Reply, or releases it with Drop.
type Envelope struct {
	Message

	reply chan Response
	once  sync.Once
}

// Reply delivers r to the sender. It reports false when the envelope was
// already answered or dropped, or when the sender does not wait for an answer.
func (e *Envelope) Reply(r Response) bool {
	delivered := false
	e.once.Do(func() {
		if e.reply == nil {
			return
		}
		e.reply <- r
		close(e.reply)
		delivered = true
	})
	return delivered
}

// Drop closes the reply channel without an answer.
func (e *Envelope) Drop() {
	e.once.Do(func() {
		if e.reply != nil {
			close(e.reply)
		}
	})
}

// Port is the receiving end of a context. Any number of goroutines may send to it.
type Port struct {
	name   string
	inbox  chan *Envelope
	closed chan struct{}
	once   sync.Once
}

func NewPort(name string, buffer int) *Port {
	return &Port{
		name:   name,
		inbox:  make(chan *Envelope, buffer),
		closed: make(chan struct{}),
	}
}

func (p *Port) Name() string {
	return p.name
}

// Receive returns the channel the owner of the port reads from.
func (p *Port) Receive() <-chan *Envelope {
	return p.inbox
}

// Done is closed once the port is closed.
func (p *Port) Done() <-chan struct{} {
	return p.closed
}

// Post sends msg without waiting for an answer.
func (p *Port) Post(ctx context.Context, msg Message) error {
	return p.enqueue(ctx, &Envelope{Message: stamp(msg)})
}

// Send enqueues msg and returns the channel its answer arrives on. The channel
// is closed without a value when the receiver drops the message.
func (p *Port) Send(ctx context.Context, msg Message) (<-chan Response, error) {
	env := &Envelope{Message: stamp(msg), reply: make(chan Response, 1)}
	if err := p.enqueue(ctx, env); err != nil {
		return nil, err
	}
	return env.reply, nil
}

// Request sends msg and waits for the answer. A message dropped by the receiver,
// or left unanswered when the port closes, fails with serviceerr.ErrChannelClosed.
func (p *Port) Request(ctx context.Context, msg Message) (Response, error) {
	ch, err := p.Send(ctx, msg)
	if err != nil {
		return Response{}, err
	}
	return Await(ctx, ch, p.closed)
}

// Close tears the port down. Messages still queued are dropped.
func (p *Port) Close() {
	p.once.Do(func() {
		close(p.closed)
		for {
			select {
			case env := <-p.inbox:
				env.Drop()
			default:
				return
			}
		}
	})
}

func (p *Port) enqueue(ctx context.Context, env *Envelope) error {
	select {
	case <-p.closed:
		return serviceerr.ErrChannelClosed
	default:
	}

	select {
	case p.inbox <- env:
		return nil
	case <-p.closed:
		return serviceerr.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await waits for a reply on ch. A nil done channel never fires.
func Await(ctx context.Context, ch <-chan Response, done <-chan struct{}) (Response, error) {
	select {
	case r, ok := <-ch:
		if !ok {
			return Response{}, serviceerr.ErrChannelClosed
		}
		return r, nil
	case <-done:
		select {
		case r, ok := <-ch:
			if ok {
				return r, nil
			}
		default:
		}
		return Response{}, serviceerr.ErrChannelClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func stamp(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return msg
}
