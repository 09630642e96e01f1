package printer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Event is produced when a job stops printing: the previous state was
// [StateRunning] and the printer now reports something else.
type Event struct {
	State   string
	Percent int
}

// Message renders the event as the text handed to the notifier.
func (e Event) Message() string {
	return fmt.Sprintf("Print Status: %s at %d%% completion.", e.State, e.Percent)
}

// Transition records one observed change of gcode_state. From is empty
// when no state had been seen yet.
type Transition struct {
	From    string
	To      string
	Percent int
	Notify  bool
}

// Tracker holds the last observed job state. A Tracker starts in the
// unknown state and is meant to live for the whole process; reconnects
// do not reset it.
type Tracker struct {
	mu       sync.Mutex
	previous string
	seen     bool
	percent  int

	onTransition func(Transition)
	logger       *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTransitionHook registers fn to be called synchronously for every
// recorded transition, after the tracker state has been updated.
func WithTransitionHook(fn func(Transition)) TrackerOption {
	return func(t *Tracker) {
		t.onTransition = fn
	}
}

// NewTracker creates a Tracker in the unknown state.
func NewTracker(logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Previous returns the last recorded state. The boolean is false while
// the tracker is still in the unknown state.
func (t *Tracker) Previous() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.previous, t.seen
}

// Percent returns the completion percentage of the last report that
// carried a print section.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}

// HandlePayload decodes a raw report and passes it to [Tracker.Handle].
// The error is non-nil only for malformed JSON, in which case the
// tracker state is untouched.
func (t *Tracker) HandlePayload(payload []byte) (*Event, error) {
	r, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	return t.Handle(r), nil
}

// Handle applies a report to the tracker. It returns an event only
// when the stored state was RUNNING and the report carries a different
// non-empty state. Every transition away from RUNNING qualifies,
// including RUNNING to PAUSE.
func (t *Tracker) Handle(r Report) *Event {
	if !r.HasPrint {
		return nil
	}
	t.debugReport(r)

	t.mu.Lock()
	t.percent = r.Percent
	if r.State == "" || (t.seen && r.State == t.previous) {
		t.mu.Unlock()
		return nil
	}

	tr := Transition{
		From:    t.previous,
		To:      r.State,
		Percent: r.Percent,
		Notify:  t.seen && t.previous == StateRunning,
	}
	from := "unknown"
	if t.seen {
		from = t.previous
	}
	t.previous = r.State
	t.seen = true
	t.mu.Unlock()

	t.logger.Info("print state transition",
		"from", from,
		"to", tr.To,
		"percent", tr.Percent,
	)

	if t.onTransition != nil {
		t.onTransition(tr)
	}

	if !tr.Notify {
		return nil
	}
	return &Event{State: tr.To, Percent: tr.Percent}
}

// LogValue implements [slog.LogValuer] so events log as a group.
func (e Event) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("state", e.State),
		slog.Int("percent", e.Percent),
	)
}

// debugReport logs a decoded report at debug level when enabled.
func (t *Tracker) debugReport(r Report) {
	if !t.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	t.logger.Debug("print report",
		"state", r.State,
		"percent", r.Percent,
	)
}
