package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/printwatch/internal/config"
	"github.com/nugget/printwatch/internal/notify"
	"github.com/nugget/printwatch/internal/printer"
	"github.com/nugget/printwatch/internal/session"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *fakeNotifier) Notify(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return n.err
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type notificationRecord struct {
	event   printer.Event
	message string
	failed  bool
}

type fakeJournal struct {
	transitions   []printer.Transition
	notifications []notificationRecord
	err           error
}

func (j *fakeJournal) RecordTransition(serial string, tr printer.Transition) error {
	j.transitions = append(j.transitions, tr)
	return j.err
}

func (j *fakeJournal) RecordNotification(serial string, ev printer.Event, message string, notifyErr error) error {
	j.notifications = append(j.notifications, notificationRecord{ev, message, notifyErr != nil})
	return j.err
}

type fakeMirror struct {
	mu      sync.Mutex
	updates []string
}

func (m *fakeMirror) SetState(entity, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, entity+"="+value)
}

func (m *fakeMirror) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.updates...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitor_NotifiesWhenPrintEnds(t *testing.T) {
	n := &fakeNotifier{}
	m := New("SERIAL", n, quietLogger())
	ctx := context.Background()

	for _, p := range []string{
		`{"print":{"gcode_state":"","mc_percent":0}}`,
		`{"print":{"gcode_state":"RUNNING","mc_percent":10}}`,
		`{"info":{"module":[]}}`,
		`{"print":{"gcode_state":"RUNNING","mc_percent":55}}`,
		`{"print":{"gcode_state":"FINISH","mc_percent":100}}`,
	} {
		m.HandleMessage(ctx, "device/SERIAL/report", []byte(p))
	}

	sent := n.sent()
	if len(sent) != 1 {
		t.Fatalf("notifications = %v, want exactly one", sent)
	}
	if want := "Print Status: FINISH at 100% completion."; sent[0] != want {
		t.Errorf("notification = %q, want %q", sent[0], want)
	}
}

func TestMonitor_NotifierFailureDoesNotStopMonitoring(t *testing.T) {
	var logs strings.Builder
	n := &fakeNotifier{err: errors.New("exit status 1")}
	j := &fakeJournal{}
	m := New("SERIAL", n, slog.New(slog.NewTextHandler(&logs, nil)), WithJournal(j))
	ctx := context.Background()

	m.HandleMessage(ctx, "t", []byte(`{"print":{"gcode_state":"RUNNING","mc_percent":1}}`))
	m.HandleMessage(ctx, "t", []byte(`{"print":{"gcode_state":"FAILED","mc_percent":2}}`))
	m.HandleMessage(ctx, "t", []byte(`{"print":{"gcode_state":"RUNNING","mc_percent":3}}`))
	m.HandleMessage(ctx, "t", []byte(`{"print":{"gcode_state":"FINISH","mc_percent":100}}`))

	if got := len(n.sent()); got != 2 {
		t.Errorf("notifier called %d times, want 2", got)
	}
	if !strings.Contains(logs.String(), "notification failed") {
		t.Errorf("expected failure log, got: %s", logs.String())
	}
	if len(j.notifications) != 2 || !j.notifications[0].failed {
		t.Errorf("journal notifications = %+v, want two failed records", j.notifications)
	}
}

func TestMonitor_NotificationInterruptedByShutdown(t *testing.T) {
	var logs strings.Builder
	n := &fakeNotifier{err: fmt.Errorf("%w after 1s: /usr/local/bin/notify", notify.ErrCanceled)}
	j := &fakeJournal{}
	m := New("SERIAL", n, slog.New(slog.NewTextHandler(&logs, nil)), WithJournal(j))
	ctx := context.Background()

	m.HandleMessage(ctx, "t", []byte(`{"print":{"gcode_state":"RUNNING","mc_percent":90}}`))
	m.HandleMessage(ctx, "t", []byte(`{"print":{"gcode_state":"FINISH","mc_percent":100}}`))

	out := logs.String()
	if !strings.Contains(out, `level=WARN msg="notification interrupted by shutdown"`) {
		t.Errorf("expected shutdown warning, got: %s", out)
	}
	if strings.Contains(out, "notification failed") {
		t.Errorf("shutdown logged as notifier failure: %s", out)
	}
	if len(j.notifications) != 1 || !j.notifications[0].failed {
		t.Errorf("journal notifications = %+v, want one undelivered record", j.notifications)
	}
}

func TestMonitor_MalformedReportIgnored(t *testing.T) {
	var logs strings.Builder
	n := &fakeNotifier{}
	m := New("SERIAL", n, slog.New(slog.NewTextHandler(&logs, nil)))
	ctx := context.Background()

	m.HandleMessage(ctx, "t", []byte(`{"print":{"gcode_state":"RUNNING"}}`))
	m.HandleMessage(ctx, "t", []byte(`{"print":`))

	if state, _ := m.Tracker().Previous(); state != "RUNNING" {
		t.Errorf("Previous() = %q after malformed report, want RUNNING", state)
	}
	if !strings.Contains(logs.String(), "ignoring malformed report") {
		t.Errorf("expected warn log, got: %s", logs.String())
	}
	if len(n.sent()) != 0 {
		t.Errorf("unexpected notifications: %v", n.sent())
	}
}

func TestMonitor_JournalAndMirror(t *testing.T) {
	n := &fakeNotifier{}
	j := &fakeJournal{}
	mr := &fakeMirror{}
	m := New("SERIAL", n, quietLogger(), WithJournal(j), WithMirror(mr))
	ctx := context.Background()

	m.HandleMessage(ctx, "t", []byte(`{"print":{"gcode_state":"RUNNING","mc_percent":5}}`))
	m.HandleMessage(ctx, "t", []byte(`{"print":{"mc_percent":6}}`))
	m.HandleMessage(ctx, "t", []byte(`{"print":{"gcode_state":"FINISH","mc_percent":100}}`))
	m.ConnectionChanged(session.StateDisconnected)

	if len(j.transitions) != 2 {
		t.Fatalf("journal transitions = %+v, want 2", j.transitions)
	}
	if j.transitions[1] != (printer.Transition{From: "RUNNING", To: "FINISH", Percent: 100, Notify: true}) {
		t.Errorf("transition[1] = %+v", j.transitions[1])
	}
	if len(j.notifications) != 1 || j.notifications[0].event.State != "FINISH" {
		t.Errorf("journal notifications = %+v", j.notifications)
	}

	want := []string{
		"job_state=RUNNING",
		"progress=5",
		"progress=6",
		"job_state=FINISH",
		"progress=100",
		"last_notification=Print Status: FINISH at 100% completion.",
		"connection=disconnected",
	}
	got := mr.all()
	if len(got) != len(want) {
		t.Fatalf("mirror updates = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("update[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMonitor_JournalErrorsAreNotFatal(t *testing.T) {
	n := &fakeNotifier{}
	j := &fakeJournal{err: errors.New("disk full")}
	m := New("SERIAL", n, quietLogger(), WithJournal(j))
	ctx := context.Background()

	m.HandleMessage(ctx, "t", []byte(`{"print":{"gcode_state":"RUNNING","mc_percent":5}}`))
	m.HandleMessage(ctx, "t", []byte(`{"print":{"gcode_state":"FINISH","mc_percent":100}}`))

	if len(n.sent()) != 1 {
		t.Errorf("notifications = %v, want 1 despite journal errors", n.sent())
	}
}

// pipeClient is a [session.Client] whose messages and connection loss
// are driven by the test.
type pipeClient struct {
	lost    chan error
	mu      sync.Mutex
	handler session.MessageHandler
	boots   int
}

func (c *pipeClient) Connect(ctx context.Context) error { return nil }

func (c *pipeClient) Subscribe(ctx context.Context, topic string, h session.MessageHandler) error {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return nil
}

func (c *pipeClient) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	c.boots++
	c.mu.Unlock()
	return nil
}

func (c *pipeClient) Lost() <-chan error { return c.lost }
func (c *pipeClient) Disconnect()        {}

func (c *pipeClient) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boots == 1
}

func (c *pipeClient) send(payload string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h("device/SERIAL/report", []byte(payload))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMonitor_TrackerSurvivesReconnect(t *testing.T) {
	first := &pipeClient{lost: make(chan error, 1)}
	second := &pipeClient{lost: make(chan error, 1)}
	clients := []*pipeClient{first, second}
	var dials int
	var mu sync.Mutex
	dialer := func(config.PrinterConfig) session.Client {
		mu.Lock()
		defer mu.Unlock()
		c := clients[dials]
		dials++
		return c
	}

	n := &fakeNotifier{}
	m := New("SERIAL", n, quietLogger())
	s := session.New(config.PrinterConfig{Serial: "SERIAL"}, 5*time.Millisecond,
		m.HandleMessage, quietLogger(), session.WithDialer(dialer))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, "first connection", first.ready)
	first.send(`{"print":{"gcode_state":"RUNNING","mc_percent":40}}`)
	waitFor(t, "RUNNING recorded", func() bool {
		st, _ := m.Tracker().Previous()
		return st == "RUNNING"
	})
	first.lost <- errors.New("connection reset by peer")

	waitFor(t, "second connection", second.ready)
	second.send(`{"print":{"gcode_state":"FINISH","mc_percent":100}}`)
	waitFor(t, "notification", func() bool { return len(n.sent()) == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}

	if got := n.sent()[0]; got != "Print Status: FINISH at 100% completion." {
		t.Errorf("notification = %q", got)
	}
}
