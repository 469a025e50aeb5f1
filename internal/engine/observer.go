package engine

import (
	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
)

// Observer receives download lifecycle notifications. Emissions may happen
// on worker goroutines; implementations must not block and must not call
// back into the engine while handling an event.
type Observer interface {
	Added(id string)
	Started(id string)
	Progress(id string, downloaded, total int64, speed float64)
	SegmentUpdate(id string, segments []segment.Snapshot)
	Complete(id string)
	Error(id string, message string)
	Paused(id string)
	Resumed(id string)
	Removed(id string)
	SpeedUpdate(totalSpeed float64, activeCount int)
}

// NopObserver implements Observer with no-ops, for embedding.
type NopObserver struct{}

func (NopObserver) Added(string) {}
func (NopObserver) Started(string) {}
func (NopObserver) Progress(string, int64, int64, float64) {}
func (NopObserver) SegmentUpdate(string, []segment.Snapshot) {}
func (NopObserver) Complete(string) {}
func (NopObserver) Error(string, string) {}
func (NopObserver) Paused(string) {}
func (NopObserver) Resumed(string) {}
func (NopObserver) Removed(string) {}
func (NopObserver) SpeedUpdate(float64, int) {}

func (e *Engine) AddObserver(obs Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, obs)
}

func (e *Engine) RemoveObserver(obs Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	for i, o := range e.observers {
		if o == obs {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			return
		}
	}
}

// fanout snapshots the observer list under the lock and invokes outside it,
// so a slow observer cannot stall registration.
func (e *Engine) fanout(fn func(Observer)) {
	e.obsMu.Lock()
	observers := make([]Observer, len(e.observers))
	copy(observers, e.observers)
	e.obsMu.Unlock()
	for _, obs := range observers {
		fn(obs)
	}
}

func (e *Engine) notifyAdded(id string)   { e.fanout(func(o Observer) { o.Added(id) }) }
func (e *Engine) notifyStarted(id string) { e.fanout(func(o Observer) { o.Started(id) }) }
func (e *Engine) notifyProgress(id string, downloaded, total int64, speed float64) {
	e.fanout(func(o Observer) { o.Progress(id, downloaded, total, speed) })
}
func (e *Engine) notifySegments(id string, segs []segment.Snapshot) {
	e.fanout(func(o Observer) { o.SegmentUpdate(id, segs) })
}
func (e *Engine) notifyComplete(id string) { e.fanout(func(o Observer) { o.Complete(id) }) }
func (e *Engine) notifyError(id, msg string) {
	e.fanout(func(o Observer) { o.Error(id, msg) })
}
func (e *Engine) notifyPaused(id string)  { e.fanout(func(o Observer) { o.Paused(id) }) }
func (e *Engine) notifyResumed(id string) { e.fanout(func(o Observer) { o.Resumed(id) }) }
func (e *Engine) notifyRemoved(id string) { e.fanout(func(o Observer) { o.Removed(id) }) }
func (e *Engine) notifySpeed(total float64, count int) {
	e.fanout(func(o Observer) { o.SpeedUpdate(total, count) })
}
