package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/roomphone/pkg/callroom"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeController записывает вызовы операций
type fakeController struct {
	mu        sync.Mutex
	ops       []string
	err       error
	state     callroom.State
	devices   []callroom.Device
	moveTo    callroom.RoomID
	handlers  map[callroom.EventKind][]callroom.Handler
	observers []func(callroom.State)
}

func newFakeController() *fakeController {
	return &fakeController{
		state: callroom.State{
			Calls: map[string]callroom.CallView{},
			Rooms: map[callroom.RoomID]callroom.RoomInfo{},
		},
		handlers: make(map[callroom.EventKind][]callroom.Handler),
	}
}

func (f *fakeController) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	return f.err
}

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeController) Call(_ context.Context, target string) (string, error) {
	if err := f.record("call " + target); err != nil {
		return "", err
	}
	return "call-1", nil
}

func (f *fakeController) Answer(_ context.Context, id string) error { return f.record("answer " + id) }
func (f *fakeController) Terminate(_ context.Context, id string) error {
	return f.record("terminate " + id)
}
func (f *fakeController) Hold(_ context.Context, id string) error   { return f.record("hold " + id) }
func (f *fakeController) Unhold(_ context.Context, id string) error { return f.record("unhold " + id) }

func (f *fakeController) Transfer(_ context.Context, id, target string) error {
	return f.record("transfer " + id + " " + target)
}

func (f *fakeController) AttendedTransfer(_ context.Context, id string) error {
	return f.record("attended " + id)
}

func (f *fakeController) SetActiveRoom(_ context.Context, roomID callroom.RoomID) error {
	return f.record("active " + itoa(int(roomID)))
}

func (f *fakeController) MoveCallToRoom(_ context.Context, id string, roomID callroom.RoomID) (callroom.RoomID, error) {
	if err := f.record("move " + id + " " + itoa(int(roomID))); err != nil {
		return 0, err
	}
	return f.moveTo, nil
}

func (f *fakeController) Merge(_ context.Context, roomID callroom.RoomID) error {
	return f.record("merge " + itoa(int(roomID)))
}

func (f *fakeController) SetMuted(_ context.Context, muted bool) {
	_ = f.record("mute " + boolString(muted))
}

func (f *fakeController) SetCallMuted(_ context.Context, id string, muted bool) error {
	return f.record("mute " + id + " " + boolString(muted))
}

func (f *fakeController) SetDND(enabled bool) {
	_ = f.record("dnd " + boolString(enabled))
}

func (f *fakeController) RefreshDevices(_ context.Context) ([]callroom.Device, error) {
	if err := f.record("devices"); err != nil {
		return nil, err
	}
	return f.devices, nil
}

func (f *fakeController) SetMicrophone(_ context.Context, id string) error {
	return f.record("mic " + id)
}

func (f *fakeController) SetSpeaker(_ context.Context, id string) error {
	return f.record("speaker " + id)
}

func (f *fakeController) Snapshot() callroom.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) CallView(id string) (callroom.CallView, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	view, ok := f.state.Calls[id]
	return view, ok
}

func (f *fakeController) Subscribe(kind callroom.EventKind, handler callroom.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = append(f.handlers[kind], handler)
}

func (f *fakeController) Observe(fn func(callroom.State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
	return func() {}
}

func (f *fakeController) emit(kind callroom.EventKind, session callroom.Session, event callroom.SessionEvent) {
	f.mu.Lock()
	handlers := append([]callroom.Handler(nil), f.handlers[kind]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(session, event)
	}
}

func (f *fakeController) emitState() {
	f.mu.Lock()
	observers := append([]func(callroom.State){}, f.observers...)
	state := f.state
	f.mu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
}

type stubSession struct {
	callroom.Session
	id string
}

func (s stubSession) ID() string { return s.id }

func itoa(n int) string { return strconv.Itoa(n) }

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func newTestServer(t *testing.T) (*Server, *fakeController) {
	t.Helper()
	phone := newFakeController()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(phone, Config{}, logger, prometheus.NewRegistry())
	t.Cleanup(s.Close)
	return s, phone
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_SubscribesToAllEvents(t *testing.T) {
	_, phone := newTestServer(t)
	for _, kind := range callroom.EventKinds() {
		assert.Len(t, phone.handlers[kind], 1, kind.String())
	}
	assert.Len(t, phone.observers, 1)
}

func TestServer_CallOperations(t *testing.T) {
	s, phone := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/calls", `{"target":"1001"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":"call-1"}`, rec.Body.String())

	tests := []struct {
		method string
		path   string
		body   string
		code   int
		op     string
	}{
		{http.MethodPost, "/api/v1/calls/c1/answer", "", http.StatusNoContent, "answer c1"},
		{http.MethodPost, "/api/v1/calls/c1/hold", "", http.StatusNoContent, "hold c1"},
		{http.MethodPost, "/api/v1/calls/c1/unhold", "", http.StatusNoContent, "unhold c1"},
		{http.MethodPost, "/api/v1/calls/c1/transfer", `{"target":"2002"}`, http.StatusAccepted, "transfer c1 2002"},
		{http.MethodPost, "/api/v1/calls/c1/attended-transfer", "", http.StatusNoContent, "attended c1"},
		{http.MethodPut, "/api/v1/calls/c1/mute", `{"muted":true}`, http.StatusNoContent, "mute c1 true"},
		{http.MethodDelete, "/api/v1/calls/c1", "", http.StatusNoContent, "terminate c1"},
		{http.MethodPut, "/api/v1/rooms/active", `{"room_id":2}`, http.StatusNoContent, "active 2"},
		{http.MethodPost, "/api/v1/rooms/3/merge", "", http.StatusNoContent, "merge 3"},
		{http.MethodPut, "/api/v1/mute", `{"muted":false}`, http.StatusNoContent, "mute false"},
		{http.MethodPut, "/api/v1/dnd", `{"enabled":true}`, http.StatusNoContent, "dnd true"},
		{http.MethodPut, "/api/v1/devices/input", `{"device_id":"mic"}`, http.StatusNoContent, "mic mic"},
		{http.MethodPut, "/api/v1/devices/output", `{"device_id":"spk"}`, http.StatusNoContent, "speaker spk"},
	}
	for _, tt := range tests {
		rec := do(t, s, tt.method, tt.path, tt.body)
		assert.Equal(t, tt.code, rec.Code, "%s %s", tt.method, tt.path)
	}

	ops := phone.recorded()
	require.Len(t, ops, len(tests)+1)
	assert.Equal(t, "call 1001", ops[0])
	for i, tt := range tests {
		assert.Equal(t, tt.op, ops[i+1])
	}
}

func TestServer_MoveCall(t *testing.T) {
	s, phone := newTestServer(t)
	phone.moveTo = 4

	rec := do(t, s, http.MethodPut, "/api/v1/calls/c1/room", `{"room_id":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"room_id":4}`, rec.Body.String())
	assert.Equal(t, []string{"move c1 0"}, phone.recorded())
}

func TestServer_BadRequests(t *testing.T) {
	s, phone := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/calls", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/api/v1/mute", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/api/v1/dnd", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/rooms/abc/merge", "").Code)
	assert.Empty(t, phone.recorded())
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{callroom.ErrCallNotFound, http.StatusNotFound},
		{callroom.ErrRoomNotFound, http.StatusNotFound},
		{callroom.ErrDeviceNotFound, http.StatusNotFound},
		{callroom.ErrEmptyTarget, http.StatusBadRequest},
		{callroom.ErrNotInitialized, http.StatusConflict},
		{&callroom.Error{Code: callroom.ErrorCodeSignaling, Message: "INVITE"}, http.StatusBadGateway},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s, phone := newTestServer(t)
		phone.err = tt.err

		rec := do(t, s, http.MethodPost, "/api/v1/calls/c1/hold", "")
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
		assert.Contains(t, rec.Body.String(), "error")
	}
}

func TestServer_StateAndViews(t *testing.T) {
	s, phone := newTestServer(t)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	phone.state = callroom.State{
		Calls: map[string]callroom.CallView{
			"b": {ID: "b", RoomID: 1, StartTime: start.Add(time.Second)},
			"a": {ID: "a", RoomID: 1, StartTime: start},
			"c": {ID: "c", RoomID: 2, StartTime: start.Add(2 * time.Second)},
		},
		Rooms: map[callroom.RoomID]callroom.RoomInfo{
			1: {ID: 1, Started: start},
			2: {ID: 2, Started: start},
		},
		ActiveRoom:   2,
		DoNotDisturb: true,
	}

	rec := do(t, s, http.MethodGet, "/api/v1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, true, state["dnd"])
	assert.Equal(t, float64(2), state["active_room"])

	rec = do(t, s, http.MethodGet, "/api/v1/calls", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var calls []callroom.CallView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &calls))
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{calls[0].ID, calls[1].ID, calls[2].ID})

	rec = do(t, s, http.MethodGet, "/api/v1/calls/c", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"room_id":2`)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/calls/zzz", "").Code)

	rec = do(t, s, http.MethodGet, "/api/v1/rooms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rooms []struct {
		ID     int      `json:"room_id"`
		Active bool     `json:"active"`
		Calls  []string `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rooms))
	require.Len(t, rooms, 2)
	assert.Equal(t, 1, rooms[0].ID)
	assert.False(t, rooms[0].Active)
	assert.Equal(t, []string{"a", "b"}, rooms[0].Calls)
	assert.True(t, rooms[1].Active)
	assert.Equal(t, []string{"c"}, rooms[1].Calls)
}

func TestServer_Devices(t *testing.T) {
	s, phone := newTestServer(t)
	phone.devices = []callroom.Device{
		{ID: "default", Kind: callroom.DeviceKindAudioInput, Label: "Tone"},
		{ID: "default", Kind: callroom.DeviceKindAudioOutput, Label: "Level"},
	}
	phone.state.InputDevice = "default"

	rec := do(t, s, http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"audioinput"`)
	assert.Contains(t, rec.Body.String(), `"input_device":"default"`)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `roomphone_http_requests_total{code="200",route="/healthz"} 1`)
}

func dialEvents(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) eventMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg eventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestEvents_Stream(t *testing.T) {
	s, phone := newTestServer(t)
	phone.state.DoNotDisturb = true

	conn := dialEvents(t, s)

	initial := readMessage(t, conn)
	assert.Equal(t, messageState, initial.Type)
	require.NotNil(t, initial.State)
	assert.True(t, initial.State.DoNotDisturb)

	phone.emit(callroom.EventFailed, stubSession{id: "c1"}, callroom.SessionEvent{
		Originator: "remote",
		StatusCode: 486,
		Cause:      "Busy",
	})
	event := readMessage(t, conn)
	assert.Equal(t, messageEvent, event.Type)
	assert.Equal(t, "failed", event.Event)
	assert.Equal(t, "c1", event.CallID)
	require.NotNil(t, event.Data)
	assert.Equal(t, 486, event.Data.StatusCode)
	assert.Equal(t, "Busy", event.Data.Cause)

	phone.mu.Lock()
	phone.state.Muted = true
	phone.mu.Unlock()
	phone.emitState()
	state := readMessage(t, conn)
	assert.Equal(t, messageState, state.Type)
	require.NotNil(t, state.State)
	assert.True(t, state.State.Muted)
}

func TestEvents_CloseDisconnectsClients(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialEvents(t, s)
	readMessage(t, conn)

	assert.Eventually(t, func() bool { return s.hub.size() == 1 }, time.Second, 10*time.Millisecond)
	s.Close()
	assert.Equal(t, 0, s.hub.size())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_NoClientsSkipsEncoding(t *testing.T) {
	h := newHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.eventHandler(callroom.EventEnded)(nil, callroom.SessionEvent{})
	h.publishState(callroom.State{})
	assert.Zero(t, h.size())
}
