package orchestrator

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/couplegraph/coupler/pkg/alg/stats"
	"github.com/couplegraph/coupler/pkg/store"
)

// ProgressEvent is one structured progress record published during a run.
type ProgressEvent struct {
	RunID        string
	Stage        store.RunStage
	State        store.RunState
	Processed    int64
	Total        int64
	Rate         float64
	ETASeconds   float64
	ErrorCode    string
	ErrorMessage string
	// Terminal marks the final event of a run. Slow consumers may lose
	// intermediate events but always observe this one.
	Terminal bool
}

// subscriberBuffer bounds each subscriber's channel. Producers never block:
// a full buffer drops the oldest pending event.
const subscriberBuffer = 64

// broadcaster fans progress events out to any number of subscribers.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan ProgressEvent
	nextID int
	closed bool
	// last is replayed to late subscribers so a consumer attaching after
	// the terminal transition still observes it.
	last *ProgressEvent
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan ProgressEvent)}
}

// Subscribe returns a receive channel and a cancel function. The channel is
// closed after the terminal event is delivered or the subscription is
// cancelled.
func (b *broadcaster) Subscribe() (<-chan ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ProgressEvent, subscriberBuffer)

	if b.closed {
		if b.last != nil {
			ch <- *b.last
		}

		close(ch)

		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking. When a
// subscriber's buffer is full the oldest pending event is discarded to
// make room; a terminal event is therefore always accepted.
func (b *broadcaster) Publish(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.last = &ev

	for _, ch := range b.subs {
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}

				continue
			}

			break
		}
	}

	if ev.Terminal {
		b.closed = true

		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// progressPublishRate caps intermediate event publication; the >= 1Hz
// floor during an active run is guaranteed separately by the run's
// heartbeat ticker.
const progressPublishRate = 10

// tracker turns raw stage callbacks into paced ProgressEvents with an
// EMA-smoothed rate and ETA.
type tracker struct {
	runID   string
	b       *broadcaster
	limiter *rate.Limiter

	mu        sync.Mutex
	ema       *stats.EMA
	lastCount int64
	lastStage store.RunStage
	lastTotal int64
	done      bool
}

func newTracker(runID string, b *broadcaster) *tracker {
	return &tracker{
		runID:   runID,
		b:       b,
		limiter: rate.NewLimiter(rate.Limit(progressPublishRate), 1),
		ema:     stats.NewEMA(0.3),
	}
}

// Stage publishes an intermediate event. ratePerSec is derived from the
// delta since the previous call smoothed by an EMA; callers provide
// elapsedSeconds since their own previous call.
func (t *tracker) Stage(stage store.RunStage, processed, total int64, elapsedSeconds float64) {
	t.mu.Lock()

	instRate := 0.0
	if elapsedSeconds > 0 && processed > t.lastCount {
		instRate = float64(processed-t.lastCount) / elapsedSeconds
	}

	smoothed := t.ema.Update(instRate)
	t.lastCount = processed
	t.lastStage = stage
	t.lastTotal = total
	t.mu.Unlock()

	if !t.limiter.Allow() {
		return
	}

	eta := 0.0
	if smoothed > 0 && total > processed {
		eta = float64(total-processed) / smoothed
	}

	t.b.Publish(ProgressEvent{
		RunID:      t.runID,
		Stage:      stage,
		State:      store.RunStateRunning,
		Processed:  processed,
		Total:      total,
		Rate:       smoothed,
		ETASeconds: eta,
	})
}

// Heartbeat republishes the last observed stage position, giving
// subscribers at least one event per tick even when a stage produces no
// progress callbacks for a while. A no-op after the terminal event.
func (t *tracker) Heartbeat() {
	t.mu.Lock()
	stage, processed, total, done := t.lastStage, t.lastCount, t.lastTotal, t.done
	rateNow := t.ema.Value()
	t.mu.Unlock()

	if done || stage == "" {
		return
	}

	eta := 0.0
	if rateNow > 0 && total > processed {
		eta = float64(total-processed) / rateNow
	}

	t.b.Publish(ProgressEvent{
		RunID:      t.runID,
		Stage:      stage,
		State:      store.RunStateRunning,
		Processed:  processed,
		Total:      total,
		Rate:       rateNow,
		ETASeconds: eta,
	})
}

// Terminal publishes the run's final event. Never rate-limited.
func (t *tracker) Terminal(state store.RunState, stage store.RunStage, processed, total int64, code, message string) {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()

	t.b.Publish(ProgressEvent{
		RunID:        t.runID,
		Stage:        stage,
		State:        state,
		Processed:    processed,
		Total:        total,
		ErrorCode:    code,
		ErrorMessage: message,
		Terminal:     true,
	})
}
