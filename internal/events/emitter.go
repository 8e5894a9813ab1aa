// Package events implements the append-only progress history of a
// generation run.
//
// Producers (the pipeline and its collaborators) append ProgressEvents;
// consumers subscribe and receive the history in order. Sequence numbers
// are strictly increasing and gapless within one run, and a complete or
// error phase event is always the last event for its section. Late
// subscribers replay from any last-seen sequence number instead of only
// receiving live pushes.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/queryforge/queryforge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Emitter is the per-run event log. Safe for concurrent use.
type Emitter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	events   []models.ProgressEvent
	terminal map[string]bool // sections that already saw complete/error
	closed   bool
}

// NewEmitter creates an empty event log.
func NewEmitter() *Emitter {
	e := &Emitter{terminal: make(map[string]bool)}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Emit appends one event and wakes subscribers. Sequence numbers start
// at 1. Events for a section that already emitted a terminal phase, or
// events after Close, are dropped — the history is authoritative and
// must never show activity after a terminal record.
func (e *Emitter) Emit(section string, phase models.EventPhase, message string, details map[string]any) models.ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		log.Warn().Str("section", section).Str("phase", string(phase)).Msg("Event dropped: emitter closed")
		return models.ProgressEvent{}
	}
	if e.terminal[section] {
		log.Warn().Str("section", section).Str("phase", string(phase)).Msg("Event dropped: section already terminal")
		return models.ProgressEvent{}
	}

	evt := models.ProgressEvent{
		Section:   section,
		Phase:     phase,
		Message:   message,
		Details:   details,
		Sequence:  uint64(len(e.events)) + 1,
		Timestamp: time.Now().UTC(),
	}
	e.events = append(e.events, evt)
	if phase.Terminal() {
		e.terminal[section] = true
	}

	e.cond.Broadcast()
	return evt
}

// Close marks the log finished. Subscribers drain the remaining history
// and their channels are closed. Emit after Close is a no-op.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Closed reports whether the log is finished.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// History returns a copy of all events with Sequence > afterSeq.
func (e *Emitter) History(afterSeq uint64) []models.ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	if afterSeq >= uint64(len(e.events)) {
		return nil
	}
	out := make([]models.ProgressEvent, len(e.events)-int(afterSeq))
	copy(out, e.events[afterSeq:])
	return out
}

// LastSeq returns the sequence number of the newest event (0 when empty).
func (e *Emitter) LastSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(len(e.events))
}

// Subscribe returns a channel that first replays every event with
// Sequence > afterSeq, then streams live events in order. The channel
// closes when the emitter closes (after the remaining history is
// delivered) or when ctx is canceled.
func (e *Emitter) Subscribe(ctx context.Context, afterSeq uint64) <-chan models.ProgressEvent {
	ch := make(chan models.ProgressEvent)

	// A canceled context must unblock a cond.Wait below.
	go func() {
		<-ctx.Done()
		e.cond.Broadcast()
	}()

	go func() {
		defer close(ch)
		next := int(afterSeq)

		for {
			e.mu.Lock()
			for next >= len(e.events) && !e.closed && ctx.Err() == nil {
				e.cond.Wait()
			}
			if ctx.Err() != nil {
				e.mu.Unlock()
				return
			}
			if next >= len(e.events) && e.closed {
				e.mu.Unlock()
				return
			}
			evt := e.events[next]
			e.mu.Unlock()

			select {
			case ch <- evt:
				next++
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}
