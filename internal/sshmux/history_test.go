package sshmux

import (
	"fmt"
	"sync"
	"testing"
)

func TestStateTrackerRecordsTransitions(t *testing.T) {
	st := newStateTracker()
	if got := st.getState("web"); got != StateDisconnected {
		t.Fatalf("unknown alias state = %v, want disconnected", got)
	}

	st.setState("web", StateConnecting, "dial")
	st.setState("web", StateConnected, "ok")
	st.setState("web", StateConnected, "ignored duplicate")

	if got := st.getState("web"); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
	hist := st.getTransitions("web")
	if len(hist) != 2 {
		t.Fatalf("transitions = %d, want 2", len(hist))
	}
	if hist[0].From != StateDisconnected || hist[0].To != StateConnecting || hist[1].Reason != "ok" {
		t.Errorf("unexpected history %+v", hist)
	}
}

func TestStateTrackerRingBufferWraps(t *testing.T) {
	st := newStateTracker()
	for i := 0; i < stateTransitionBufferSize+10; i++ {
		state := StateConnected
		if i%2 == 1 {
			state = StateDisconnected
		}
		st.setState("a", state, fmt.Sprintf("step %d", i))
	}
	hist := st.getTransitions("a")
	if len(hist) != stateTransitionBufferSize {
		t.Fatalf("len = %d, want %d", len(hist), stateTransitionBufferSize)
	}
	if hist[0].Reason != "step 10" {
		t.Errorf("oldest = %q, want step 10", hist[0].Reason)
	}
	if last := hist[len(hist)-1].Reason; last != fmt.Sprintf("step %d", stateTransitionBufferSize+9) {
		t.Errorf("newest = %q", last)
	}
}

func TestStateCallbacks(t *testing.T) {
	st := newStateTracker()
	var mu sync.Mutex
	var seen []string
	st.onStateChange(func(alias string, from, to ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%s:%s->%s", alias, from, to))
	})
	st.setState("db", StateConnecting, "")
	st.setState("db", StateFailed, "")

	want := []string{"db:disconnected->connecting", "db:connecting->failed"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("callbacks = %v, want %v", seen, want)
	}
}

func TestConnectionStateString(t *testing.T) {
	if StateReconnecting.String() != "reconnecting" || ConnectionState(42).String() != "unknown" {
		t.Error("unexpected state names")
	}
}

func TestEventLogRingBufferWraps(t *testing.T) {
	el := newEventLog()
	for i := 0; i < eventBufferSize+25; i++ {
		el.emit("web", EventConnected, fmt.Sprintf("event %d", i))
	}
	events := el.events("web")
	if len(events) != eventBufferSize {
		t.Fatalf("len = %d, want %d", len(events), eventBufferSize)
	}
	if events[0].Details != "event 25" {
		t.Errorf("oldest = %q, want event 25", events[0].Details)
	}
	if el.events("other") != nil {
		t.Error("unknown alias should have no events")
	}
}

func TestEventListeners(t *testing.T) {
	m := New(Options{})
	var got []ConnectionEvent
	m.OnEvent(func(e ConnectionEvent) { got = append(got, e) })
	m.events.emit("db", EventKeepaliveFailed, "timeout")

	if len(got) != 1 || got[0].Alias != "db" || got[0].Type != EventKeepaliveFailed {
		t.Errorf("listener got %+v", got)
	}
	if h := m.EventHistory("db"); len(h) != 1 {
		t.Errorf("history len = %d, want 1", len(h))
	}
}
