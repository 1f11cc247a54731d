package core

import (
	"testing"
)

func TestReporterKeepsOrderedEvents(t *testing.T) {
	t.Parallel()
	r := NewReporter(discardLogger())
	for i := 0; i < 5; i++ {
		r.Report(ProgressEvent{RunID: "r1", Stage: "executing", Progress: float64(i * 20)})
	}
	events := r.Events()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Progress != float64(i*20) {
			t.Fatalf("events out of order: %+v", events)
		}
		if ev.Timestamp.IsZero() {
			t.Fatalf("timestamp not stamped: %+v", ev)
		}
	}
}

func TestReporterDeliversToSubscribers(t *testing.T) {
	t.Parallel()
	r := NewReporter(discardLogger())
	var got []ProgressEvent
	r.Subscribe(func(ev ProgressEvent) { got = append(got, ev) })

	r.Report(ProgressEvent{RunID: "r1", Message: "one"})
	r.Report(ProgressEvent{RunID: "r1", Message: "two"})

	if len(got) != 2 || got[0].Message != "one" || got[1].Message != "two" {
		t.Fatalf("listener missed events: %+v", got)
	}
}

func TestReporterSurvivesPanickingListener(t *testing.T) {
	t.Parallel()
	r := NewReporter(discardLogger())
	r.Subscribe(func(ProgressEvent) { panic("bad listener") })
	delivered := 0
	r.Subscribe(func(ProgressEvent) { delivered++ })

	r.Report(ProgressEvent{RunID: "r1"})

	if delivered != 1 {
		t.Fatalf("panicking listener blocked delivery")
	}
	if len(r.Events()) != 1 {
		t.Fatalf("event lost after listener panic")
	}
}

func TestReporterNoReplayOnSubscribe(t *testing.T) {
	t.Parallel()
	r := NewReporter(discardLogger())
	r.Report(ProgressEvent{RunID: "r1", Message: "early"})

	var got []ProgressEvent
	r.Subscribe(func(ev ProgressEvent) { got = append(got, ev) })
	if len(got) != 0 {
		t.Fatalf("events replayed on subscribe: %+v", got)
	}
}
