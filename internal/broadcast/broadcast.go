// Package broadcast fans progress events out to live observers, buffering
// for observers that attach late.
package broadcast

import (
	"strconv"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/opspilot-ai/opspilot/internal/plan"
)

// DefaultBufferSize bounds the per-plan replay buffer.
const DefaultBufferSize = 256

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize overrides the per-plan buffer bound.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithMirror adds a callback invoked for every published event, used to
// forward events to out-of-process transports. Mirror failures never affect
// in-process delivery.
func WithMirror(fn func(plan.ProgressEvent)) Option {
	return func(b *Broadcaster) {
		b.mirrors = append(b.mirrors, fn)
	}
}

// Broadcaster is the per-plan publish/subscribe fan-out. Constructed once at
// process start and passed by handle into the engine.
type Broadcaster struct {
	mu         sync.Mutex
	plans      map[string]*planState
	bufferSize int
	mirrors    []func(plan.ProgressEvent)
	logger     *logging.Logger
}

// planState holds one plan's observers and replay buffer.
type planState struct {
	subs    map[uint64]*Subscription
	nextSub uint64
	buffer  []plan.ProgressEvent
	gap     *plan.ProgressEvent // synthetic loss event, kept at buffer head
	evicted int
}

// Subscription is a live observer handle. Receive from Events; the channel
// closes on Unsubscribe or when the observer falls too far behind.
type Subscription struct {
	id     uint64
	planID string
	ch     chan plan.ProgressEvent
	closed bool
}

// Events returns the observer's event channel.
func (s *Subscription) Events() <-chan plan.ProgressEvent { return s.ch }

// New creates a broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		plans:      make(map[string]*planState),
		bufferSize: DefaultBufferSize,
		logger:     logging.New().WithComponent("broadcast"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) state(planID string) *planState {
	ps, ok := b.plans[planID]
	if !ok {
		ps = &planState{subs: make(map[uint64]*Subscription)}
		b.plans[planID] = ps
	}
	return ps
}

// Publish delivers an event to the plan's live observers, or buffers it when
// none are attached. An observer whose channel is full is dropped rather than
// retried; it can resubscribe and rely on sequence numbers to dedupe.
func (b *Broadcaster) Publish(planID string, ev plan.ProgressEvent) {
	b.mu.Lock()
	ps := b.state(planID)

	if len(ps.subs) == 0 {
		b.bufferLocked(planID, ps, ev)
	} else {
		for id, sub := range ps.subs {
			select {
			case sub.ch <- ev:
			default:
				delete(ps.subs, id)
				sub.closed = true
				close(sub.ch)
				b.logger.Warn("dropping slow observer", map[string]interface{}{
					"plan_id":  planID,
					"observer": id,
					"sequence": ev.Sequence,
				})
			}
		}
	}
	mirrors := b.mirrors
	b.mu.Unlock()

	for _, mirror := range mirrors {
		mirror(ev)
	}
}

// bufferLocked appends to the replay buffer, evicting the oldest event and
// maintaining a synthetic gap marker once the bound is exceeded.
func (b *Broadcaster) bufferLocked(planID string, ps *planState, ev plan.ProgressEvent) {
	ps.buffer = append(ps.buffer, ev)
	if len(ps.buffer) <= b.bufferSize {
		return
	}

	evictedSeq := ps.buffer[0].Sequence
	ps.buffer = ps.buffer[1:]
	ps.evicted++
	if ps.gap == nil {
		ps.gap = &plan.ProgressEvent{
			PlanID:    planID,
			Sequence:  evictedSeq,
			Kind:      plan.EventPlanError,
			Marker:    plan.GapMarker,
			Timestamp: time.Now(),
		}
	}
	ps.gap.Payload = gapSummary(ps.evicted)
}

func gapSummary(n int) string {
	if n == 1 {
		return "1 buffered event was dropped before any observer attached"
	}
	return strconv.Itoa(n) + " buffered events were dropped before any observer attached"
}

// Subscribe attaches an observer to a plan. Any buffered events (preceded by
// the gap marker when events were lost) are replayed in sequence order before
// live delivery resumes, and the buffer is cleared.
func (b *Broadcaster) Subscribe(planID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ps := b.state(planID)
	sub := &Subscription{
		id:     ps.nextSub,
		planID: planID,
		ch:     make(chan plan.ProgressEvent, b.bufferSize+1),
	}
	ps.nextSub++

	if ps.gap != nil {
		sub.ch <- *ps.gap
		ps.gap = nil
		ps.evicted = 0
	}
	for _, ev := range ps.buffer {
		sub.ch <- ev
	}
	ps.buffer = nil

	ps.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches an observer and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ps, ok := b.plans[sub.planID]
	if !ok {
		return
	}
	if _, live := ps.subs[sub.id]; live {
		delete(ps.subs, sub.id)
		sub.closed = true
		close(sub.ch)
	}
}

// Release drops all state for a plan, closing any remaining observers. Used
// after a plan has been terminal past its retention window.
func (b *Broadcaster) Release(planID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ps, ok := b.plans[planID]
	if !ok {
		return
	}
	for id, sub := range ps.subs {
		delete(ps.subs, id)
		sub.closed = true
		close(sub.ch)
	}
	delete(b.plans, planID)
}
