package coordinator

import "time"

// Ticker is the recurring refresh timer.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFunc func(period time.Duration) Ticker

type stdTicker struct {
	*time.Ticker
}

func (t stdTicker) C() <-chan time.Time {
	return t.Ticker.C
}

func newStdTicker(period time.Duration) Ticker {
	return stdTicker{time.NewTicker(period)}
}

// timer is one armed Ticker. It forwards ticks to fired until stopped.
type timer struct {
	ticker  Ticker
	done    chan struct{}
	stopped chan struct{}
}

func startTimer(ticker Ticker, fired chan<- struct{}) *timer {
	t := &timer{ticker: ticker, done: make(chan struct{}), stopped: make(chan struct{})}
	go func() {
		defer close(t.stopped)
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C():
				select {
				case fired <- struct{}{}:
				default:
				}
			}
		}
	}()
	return t
}

// stop returns once no further tick can reach fired.
func (t *timer) stop() {
	t.ticker.Stop()
	close(t.done)
	<-t.stopped
}
