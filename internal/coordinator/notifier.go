package coordinator

import (
	"sync"

	"github.com/openkcm/session-relay/pkg/session"
)

type EventKind string

const (
	// SessionChanged is published after a session was stored or removed.
	SessionChanged EventKind = "session_changed"
	// LoginRequired asks the UI surface to open the login page.
	LoginRequired EventKind = "login_required"
)

// Notification is delivered to the listeners of a Notifier.
type Notification struct {
	Kind   EventKind
	Status session.Status
	TabID  int    // Tab the change originated from, 0 when none
	Reason string // Cause of the change, e.g. logout or refresh_failed
}

// Notifier fans notifications out to subscribers. A subscriber that does not
// keep up loses notifications rather than blocking the coordinator.
type Notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Notification
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Notification)}
}

// Subscribe returns a channel of notifications and the function cancelling the
// subscription. The channel is closed on cancel.
func (n *Notifier) Subscribe(buffer int) (<-chan Notification, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan Notification, buffer)
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs, id)
			close(ch)
		})
	}
}

// Publish returns the number of subscribers the notification was delivered to.
func (n *Notifier) Publish(ev Notification) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	delivered := 0
	for _, ch := range n.subs {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}
