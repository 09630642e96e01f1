// Package monitor wires a printer [session.Session] to the job-state
// tracker and everything that consumes its output: the notifier, the
// optional transition journal, and the optional Home Assistant mirror.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/nugget/printwatch/internal/config"
	"github.com/nugget/printwatch/internal/notify"
	"github.com/nugget/printwatch/internal/printer"
	"github.com/nugget/printwatch/internal/session"
)

// Journal records tracker output. Implemented by [journal.Store].
type Journal interface {
	RecordTransition(serial string, tr printer.Transition) error
	RecordNotification(serial string, ev printer.Event, message string, notifyErr error) error
}

// Mirror republishes printer state elsewhere. Implemented by
// [mirror.Publisher].
type Mirror interface {
	SetState(entity, value string)
}

// Mirror entity names.
const (
	EntityJobState         = "job_state"
	EntityProgress         = "progress"
	EntityConnection       = "connection"
	EntityLastNotification = "last_notification"
)

// Monitor turns printer reports into notifications. It is not safe for
// concurrent use; the session calls it from a single goroutine.
type Monitor struct {
	serial   string
	tracker  *printer.Tracker
	notifier notify.Notifier
	journal  Journal
	mirror   Mirror
	logger   *slog.Logger

	lastProgress int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithJournal records transitions and notification outcomes in j.
func WithJournal(j Journal) Option {
	return func(m *Monitor) { m.journal = j }
}

// WithMirror republishes state changes through mr.
func WithMirror(mr Mirror) Option {
	return func(m *Monitor) { m.mirror = mr }
}

// New creates a Monitor for the printer with the given serial. The
// tracker it owns lives as long as the Monitor, across reconnects.
func New(serial string, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		serial:       serial,
		notifier:     notifier,
		logger:       logger,
		lastProgress: -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tracker = printer.NewTracker(logger, printer.WithTransitionHook(m.onTransition))
	return m
}

// Tracker exposes the job-state tracker.
func (m *Monitor) Tracker() *printer.Tracker {
	return m.tracker
}

// HandleMessage processes one raw report. It has the [session.Handler]
// signature. Malformed JSON is logged and dropped; reports without a
// print section are ignored silently.
func (m *Monitor) HandleMessage(ctx context.Context, topic string, payload []byte) {
	m.logger.Log(ctx, config.LevelTrace, "report received",
		"topic", topic,
		"payload", string(payload),
	)

	r, err := printer.Decode(payload)
	if err != nil {
		m.logger.Warn("ignoring malformed report", "topic", topic, "error", err)
		return
	}

	ev := m.tracker.Handle(r)
	if r.HasPrint && r.Percent > 0 {
		m.setProgress(r.Percent)
	}
	if ev == nil {
		return
	}

	msg := ev.Message()
	notifyErr := m.notifier.Notify(ctx, msg)
	switch {
	case errors.Is(notifyErr, notify.ErrCanceled):
		m.logger.Warn("notification interrupted by shutdown", "event", *ev)
	case notifyErr != nil:
		m.logger.Error("notification failed",
			"event", *ev,
			"error", notifyErr,
		)
	}

	if m.journal != nil {
		if err := m.journal.RecordNotification(m.serial, *ev, msg, notifyErr); err != nil {
			m.logger.Warn("journal write failed", "error", err)
		}
	}
	if m.mirror != nil {
		m.mirror.SetState(EntityLastNotification, msg)
	}
}

// ConnectionChanged reports a session connection state change. It has
// the signature expected by [session.WithStateHook].
func (m *Monitor) ConnectionChanged(st session.ConnState) {
	if m.mirror != nil {
		m.mirror.SetState(EntityConnection, st.String())
	}
}

func (m *Monitor) onTransition(tr printer.Transition) {
	if m.journal != nil {
		if err := m.journal.RecordTransition(m.serial, tr); err != nil {
			m.logger.Warn("journal write failed", "error", err)
		}
	}
	if m.mirror != nil {
		m.mirror.SetState(EntityJobState, tr.To)
		m.setProgress(tr.Percent)
	}
}

func (m *Monitor) setProgress(percent int) {
	if m.mirror == nil || percent == m.lastProgress {
		return
	}
	m.lastProgress = percent
	m.mirror.SetState(EntityProgress, strconv.Itoa(percent))
}
