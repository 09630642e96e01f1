package printer

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func quietTracker(opts ...TrackerOption) *Tracker {
	return NewTracker(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func running(state string, percent int) Report {
	return Report{HasPrint: true, State: state, Percent: percent}
}

func TestTracker_StartsUnknown(t *testing.T) {
	tr := quietTracker()
	if state, ok := tr.Previous(); ok || state != "" {
		t.Errorf("Previous() = (%q, %v), want (\"\", false)", state, ok)
	}
	if tr.Percent() != 0 {
		t.Errorf("Percent() = %d, want 0", tr.Percent())
	}
}

func TestTracker_FinishScenario(t *testing.T) {
	tr := quietTracker()

	reports := []Report{
		running("", 0),
		running("RUNNING", 10),
		running("RUNNING", 55),
		running("FINISH", 100),
	}

	var events []*Event
	for i, r := range reports {
		if ev := tr.Handle(r); ev != nil {
			events = append(events, ev)
			if i != 3 {
				t.Errorf("event emitted on report %d, want only on the last", i)
			}
		}
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if *events[0] != (Event{State: "FINISH", Percent: 100}) {
		t.Errorf("event = %+v, want {FINISH 100}", *events[0])
	}
	if state, _ := tr.Previous(); state != "FINISH" {
		t.Errorf("Previous() = %q, want FINISH", state)
	}
}

func TestTracker_PauseNotifies(t *testing.T) {
	tr := quietTracker()

	seq := []struct {
		state      string
		wantNotify bool
	}{
		{"IDLE", false},
		{"RUNNING", false},
		{"PAUSE", true}, // leaving RUNNING, even temporarily
		{"RUNNING", false},
		{"FAILED", true},
	}

	var got []Event
	for i, s := range seq {
		ev := tr.Handle(running(s.state, i*20))
		if (ev != nil) != s.wantNotify {
			t.Errorf("step %d (%s): event = %v, wantNotify %v", i, s.state, ev, s.wantNotify)
		}
		if ev != nil {
			got = append(got, *ev)
		}
	}

	want := []Event{{"PAUSE", 40}, {"FAILED", 80}}
	if len(got) != len(want) {
		t.Fatalf("events = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestTracker_NoPrintSectionIgnored(t *testing.T) {
	tr := quietTracker()
	tr.Handle(running("RUNNING", 30))

	if ev := tr.Handle(Report{}); ev != nil {
		t.Errorf("Handle(no print) = %+v, want nil", ev)
	}
	if state, _ := tr.Previous(); state != "RUNNING" {
		t.Errorf("Previous() = %q, want RUNNING", state)
	}
	if tr.Percent() != 30 {
		t.Errorf("Percent() = %d, want 30 (report without print must not touch it)", tr.Percent())
	}
}

func TestTracker_NonRunningTransitionsDoNotNotify(t *testing.T) {
	tr := quietTracker()
	for _, s := range []string{"IDLE", "PREPARE", "FINISH", "IDLE", "FAILED"} {
		if ev := tr.Handle(running(s, 0)); ev != nil {
			t.Errorf("Handle(%s) = %+v, want nil", s, ev)
		}
	}
}

func TestTracker_FirstRunningFromUnknown(t *testing.T) {
	tr := quietTracker()
	// The unknown sentinel is not RUNNING, so the first report never
	// notifies, whatever it says.
	if ev := tr.Handle(running("FINISH", 100)); ev != nil {
		t.Errorf("first report produced event %+v", ev)
	}
}

func TestTracker_DuplicateStateNoLog(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracker(slog.New(slog.NewTextHandler(&buf, nil)))

	tr.Handle(running("RUNNING", 1))
	first := buf.Len()
	if !strings.Contains(buf.String(), "print state transition") {
		t.Fatalf("expected transition log, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "from=unknown") || !strings.Contains(buf.String(), "to=RUNNING") {
		t.Errorf("transition log missing from/to: %s", buf.String())
	}

	if ev := tr.Handle(running("RUNNING", 2)); ev != nil {
		t.Errorf("duplicate state produced event %+v", ev)
	}
	if buf.Len() != first {
		t.Errorf("duplicate state logged: %s", buf.String()[first:])
	}
	if tr.Percent() != 2 {
		t.Errorf("Percent() = %d, want 2", tr.Percent())
	}
}

func TestTracker_EmptyStateIgnored(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracker(slog.New(slog.NewTextHandler(&buf, nil)))
	tr.Handle(running("RUNNING", 50))
	buf.Reset()

	if ev := tr.Handle(running("", 60)); ev != nil {
		t.Errorf("empty state produced event %+v", ev)
	}
	if state, _ := tr.Previous(); state != "RUNNING" {
		t.Errorf("Previous() = %q, want RUNNING", state)
	}
	if buf.Len() != 0 {
		t.Errorf("empty state logged: %s", buf.String())
	}
}

func TestTracker_PreviousIsLastChangedState(t *testing.T) {
	tests := []struct {
		name   string
		states []string
		want   string
	}{
		{"single", []string{"IDLE"}, "IDLE"},
		{"trailing empties", []string{"RUNNING", "", ""}, "RUNNING"},
		{"repeats", []string{"RUNNING", "RUNNING", "FINISH", "FINISH"}, "FINISH"},
		{"back and forth", []string{"IDLE", "RUNNING", "IDLE"}, "IDLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := quietTracker()
			for _, s := range tt.states {
				tr.Handle(running(s, 0))
			}
			if got, ok := tr.Previous(); !ok || got != tt.want {
				t.Errorf("Previous() = (%q, %v), want (%q, true)", got, ok, tt.want)
			}
		})
	}
}

func TestTracker_TransitionHook(t *testing.T) {
	var got []Transition
	tr := quietTracker(WithTransitionHook(func(x Transition) {
		got = append(got, x)
	}))

	tr.Handle(running("RUNNING", 5))
	tr.Handle(running("RUNNING", 6))
	tr.Handle(running("FINISH", 100))

	want := []Transition{
		{From: "", To: "RUNNING", Percent: 5},
		{From: "RUNNING", To: "FINISH", Percent: 100, Notify: true},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestTracker_HandlePayload(t *testing.T) {
	tr := quietTracker()

	if _, err := tr.HandlePayload([]byte(`{"print":{"gcode_state":"RUNNING","mc_percent":12}}`)); err != nil {
		t.Fatalf("HandlePayload error: %v", err)
	}
	ev, err := tr.HandlePayload([]byte(`{"print":{"gcode_state":"FAILED","mc_percent":13}}`))
	if err != nil {
		t.Fatalf("HandlePayload error: %v", err)
	}
	if ev == nil || ev.State != "FAILED" || ev.Percent != 13 {
		t.Errorf("event = %+v, want {FAILED 13}", ev)
	}

	if _, err := tr.HandlePayload([]byte("not json")); err == nil {
		t.Error("HandlePayload(malformed) error = nil, want error")
	}
	if state, _ := tr.Previous(); state != "FAILED" {
		t.Errorf("malformed payload changed state to %q", state)
	}
}

func TestEvent_Message(t *testing.T) {
	ev := Event{State: "FINISH", Percent: 100}
	want := "Print Status: FINISH at 100% completion."
	if got := ev.Message(); got != want {
		t.Errorf("Message() = %q, want %q", got, want)
	}
}
