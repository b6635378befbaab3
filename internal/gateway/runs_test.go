package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/agentboard/agentboard/internal/common/logger"
)

func newRouterWithLink(t *testing.T) (*RunRouter, *Link) {
	t.Helper()
	link := NewLink(Config{URL: "ws://unused"}, logger.Default())
	t.Cleanup(link.Close)
	router := NewRunRouter(link, logger.Default())
	t.Cleanup(router.Close)
	return router, link
}

func emitRunEvent(l *Link, ev *RunEvent) {
	payload, _ := json.Marshal(ev)
	l.dispatch(EventAgent, payload)
}

func awaitOutcome(t *testing.T, ch <-chan RunOutcome) RunOutcome {
	t.Helper()
	select {
	case outcome := <-ch:
		return outcome
	case <-time.After(time.Second):
		t.Fatal("no outcome delivered")
		return RunOutcome{}
	}
}

func TestCumulativeTextReplacement(t *testing.T) {
	router, link := newRouterWithLink(t)

	ch := router.Track("run-1")
	emitRunEvent(link, &RunEvent{RunID: "run-1", Stream: StreamAssistant, Text: "Working on"})
	emitRunEvent(link, &RunEvent{RunID: "run-1", Stream: StreamAssistant, Text: "Working on it. Done: 42"})
	emitRunEvent(link, &RunEvent{RunID: "run-1", Phase: PhaseEnd})

	outcome := awaitOutcome(t, ch)
	if outcome.Err != nil || outcome.NeedsInput {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	// Each assistant event carries the full text so far, not a delta.
	if outcome.Text != "Working on it. Done: 42" {
		t.Errorf("unexpected final text %q", outcome.Text)
	}
}

func TestRunError(t *testing.T) {
	router, link := newRouterWithLink(t)

	ch := router.Track("run-2")
	emitRunEvent(link, &RunEvent{RunID: "run-2", Phase: PhaseError, Error: "sandbox crashed"})

	outcome := awaitOutcome(t, ch)
	if outcome.Err == nil || outcome.Err.Error() != "sandbox crashed" {
		t.Errorf("unexpected outcome %+v", outcome)
	}
}

func TestRunAsksForInput(t *testing.T) {
	router, link := newRouterWithLink(t)

	ch := router.Track("run-3")
	emitRunEvent(link, &RunEvent{RunID: "run-3", Stream: StreamAssistant, Text: "thinking"})
	emitRunEvent(link, &RunEvent{RunID: "run-3", Phase: PhaseAsk, Text: "staging or prod?"})

	outcome := awaitOutcome(t, ch)
	if !outcome.NeedsInput {
		t.Fatal("expected NeedsInput")
	}
	if outcome.Text != "staging or prod?" {
		t.Errorf("unexpected question %q", outcome.Text)
	}
}

func TestEventsForUnknownRunIgnored(t *testing.T) {
	router, link := newRouterWithLink(t)

	ch := router.Track("run-4")
	emitRunEvent(link, &RunEvent{RunID: "other", Phase: PhaseEnd})
	emitRunEvent(link, &RunEvent{RunID: "other", Stream: StreamAssistant, Text: "noise"})

	select {
	case outcome := <-ch:
		t.Fatalf("outcome delivered for wrong run: %+v", outcome)
	case <-time.After(100 * time.Millisecond):
	}

	emitRunEvent(link, &RunEvent{RunID: "run-4", Stream: StreamAssistant, Text: "mine"})
	emitRunEvent(link, &RunEvent{RunID: "run-4", Phase: PhaseEnd})
	if outcome := awaitOutcome(t, ch); outcome.Text != "mine" {
		t.Errorf("unexpected text %q", outcome.Text)
	}
}

func TestReleasedRunDropsEvents(t *testing.T) {
	router, link := newRouterWithLink(t)

	ch := router.Track("run-5")
	router.Release("run-5")

	emitRunEvent(link, &RunEvent{RunID: "run-5", Phase: PhaseEnd})
	select {
	case outcome := <-ch:
		t.Fatalf("outcome delivered after release: %+v", outcome)
	case <-time.After(100 * time.Millisecond):
	}
}
