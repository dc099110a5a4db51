package callroom

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListeners_InsertionOrderAndIsolation(t *testing.T) {
	env := newTestEnv(t)

	var order []int
	env.phone.Subscribe(EventNewCall, func(Session, SessionEvent) { order = append(order, 1) })
	env.phone.Subscribe(EventNewCall, func(Session, SessionEvent) { panic("handler failure") })
	env.phone.Subscribe(EventNewCall, func(Session, SessionEvent) { order = append(order, 3) })

	env.incoming("a")

	assert.Equal(t, []int{1, 3}, order, "паника обработчика не прерывает рассылку")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.phone.metrics.listenerPanics.WithLabelValues("new_call")))

	_, ok := env.phone.CallView("a")
	assert.True(t, ok, "вызов зарегистрирован несмотря на панику обработчика")
}

func TestListeners_DuplicateSubscription(t *testing.T) {
	env := newTestEnv(t)

	calls := 0
	handler := func(Session, SessionEvent) { calls++ }
	env.phone.Subscribe(EventProgress, handler)
	env.phone.Subscribe(EventProgress, handler)

	s := env.incoming("a")
	env.phone.OnProgress(s, SessionEvent{StatusCode: 180})
	assert.Equal(t, 2, calls, "повторная подписка вызывает обработчик дважды")
}

func TestListeners_UnsubscribeClearsKind(t *testing.T) {
	env := newTestEnv(t)

	fired := false
	env.phone.Subscribe(EventEnded, func(Session, SessionEvent) { fired = true })
	env.phone.Subscribe(EventEnded, func(Session, SessionEvent) { fired = true })
	require.Equal(t, 2, env.phone.listeners.count(EventEnded))

	env.phone.Unsubscribe(EventEnded)
	assert.Equal(t, 0, env.phone.listeners.count(EventEnded))

	s := env.incoming("a")
	env.phone.OnEnded(s, SessionEvent{})
	assert.False(t, fired)
}

func TestListeners_PayloadPassThrough(t *testing.T) {
	env := newTestEnv(t)

	var gotSession Session
	var gotEvent SessionEvent
	env.phone.Subscribe(EventFailed, func(s Session, e SessionEvent) {
		gotSession = s
		gotEvent = e
	})

	s := env.incoming("a")
	event := SessionEvent{Originator: "remote", StatusCode: 486, Reason: "Busy Here", Cause: "Busy", Timestamp: time.Now()}
	env.phone.OnFailed(s, event)

	assert.Same(t, s, gotSession)
	assert.Equal(t, event, gotEvent)
}

func TestEventKinds_Parse(t *testing.T) {
	kinds := EventKinds()
	require.Len(t, kinds, 5)
	for _, kind := range kinds {
		parsed, ok := ParseEventKind(kind.String())
		require.True(t, ok)
		assert.Equal(t, kind, parsed)
	}
	_, ok := ParseEventKind("newRTCSession")
	assert.False(t, ok)
}

func TestObserve_ReceivesSnapshots(t *testing.T) {
	env := newTestEnv(t)

	var states []State
	cancel := env.phone.Observe(func(s State) { states = append(states, s) })

	env.incoming("a")
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.Contains(t, last.Calls, "a")
	assert.Equal(t, RoomID(1), last.ActiveRoom)

	cancel()
	n := len(states)
	env.phone.SetDND(true)
	assert.Len(t, states, n, "после отмены наблюдатель не вызывается")
}
