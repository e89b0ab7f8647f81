package game

import "sync"

// timerHandle is a cancellable handle for the per-question countdown task.
// Cancel is idempotent and never observable as an error by the task owner.
type timerHandle struct {
	stop chan struct{}
	once sync.Once
}

func newTimerHandle() *timerHandle {
	return &timerHandle{stop: make(chan struct{})}
}

func (t *timerHandle) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stop) })
}

func (t *timerHandle) Cancelled() <-chan struct{} {
	return t.stop
}
