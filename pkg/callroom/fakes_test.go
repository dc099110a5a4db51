package callroom

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// === ТЕСТОВЫЕ ЗАГЛУШКИ СИГНАЛИЗАЦИИ И МЕДИА ===

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	enabled bool
}

func newFakeTrack(id string) *fakeTrack {
	return &fakeTrack{id: id, enabled: true}
}

func (t *fakeTrack) ID() string { return t.id }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

type fakeStream struct {
	mu      sync.Mutex
	id      string
	tracks  []Track
	stopped bool
}

func (s *fakeStream) ID() string           { return s.id }
func (s *fakeStream) AudioTracks() []Track { return s.tracks }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeSender struct {
	mu       sync.Mutex
	track    Track
	replaced int
	err      error
}

func (s *fakeSender) Track() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(_ context.Context, track Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.track = track
	s.replaced++
	return nil
}

type fakeReceiver struct {
	track Track
}

func (r *fakeReceiver) Track() Track { return r.track }

type fakeConn struct {
	mu        sync.Mutex
	senders   []*fakeSender
	receivers []*fakeReceiver
	onRemote  func(Stream)
}

func (c *fakeConn) Senders() []Sender {
	out := make([]Sender, len(c.senders))
	for i, s := range c.senders {
		out[i] = s
	}
	return out
}

func (c *fakeConn) Receivers() []Receiver {
	out := make([]Receiver, len(c.receivers))
	for i, r := range c.receivers {
		out[i] = r
	}
	return out
}

func (c *fakeConn) OnRemoteStream(handler func(Stream)) {
	c.mu.Lock()
	c.onRemote = handler
	c.mu.Unlock()
}

func (c *fakeConn) emitRemote(stream Stream) {
	c.mu.Lock()
	handler := c.onRemote
	c.mu.Unlock()
	if handler != nil {
		handler(stream)
	}
}

type referCall struct {
	target   string
	replaces Session
}

type fakeSession struct {
	mu        sync.Mutex
	id        string
	direction Direction
	status    Status
	remote    string
	held      bool
	muted     bool
	conn      *fakeConn

	holds      int
	unholds    int
	answered   int
	terminated []TerminateOptions
	refers     []referCall

	// onIdentity вызывается из RemoteIdentity вне блокировки сессии
	onIdentity func()
}

// newFakeSession создает сессию с одним отправителем (out-<id>) и одним получателем (in-<id>)
func newFakeSession(id string, direction Direction) *fakeSession {
	return &fakeSession{
		id:        id,
		direction: direction,
		remote:    "sip:" + id + "@remote.test",
		conn: &fakeConn{
			senders:   []*fakeSender{{track: newFakeTrack("out-" + id)}},
			receivers: []*fakeReceiver{{track: newFakeTrack("in-" + id)}},
		},
	}
}

func (s *fakeSession) ID() string           { return s.id }
func (s *fakeSession) Direction() Direction { return s.direction }

func (s *fakeSession) RemoteIdentity() string {
	s.mu.Lock()
	hook := s.onIdentity
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.remote
}

func (s *fakeSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSession) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *fakeSession) IsOnHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *fakeSession) Hold(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = true
	s.holds++
	return nil
}

func (s *fakeSession) Unhold(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = false
	s.unholds++
	return nil
}

func (s *fakeSession) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *fakeSession) Mute() {
	s.mu.Lock()
	s.muted = true
	s.mu.Unlock()
}

func (s *fakeSession) Unmute() {
	s.mu.Lock()
	s.muted = false
	s.mu.Unlock()
}

func (s *fakeSession) Answer(context.Context, CallOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answered++
	s.status = StatusConfirmed
	return nil
}

func (s *fakeSession) Terminate(_ context.Context, opts TerminateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = append(s.terminated, opts)
	return nil
}

func (s *fakeSession) Refer(_ context.Context, target string, opts ReferOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refers = append(s.refers, referCall{target: target, replaces: opts.Replaces})
	return nil
}

func (s *fakeSession) Connection() MediaConnection {
	if s.conn == nil {
		return nil
	}
	return s.conn
}

func (s *fakeSession) sender() *fakeSender {
	return s.conn.senders[0]
}

func (s *fakeSession) incoming() Track {
	return s.conn.receivers[0].track
}

type fakeDest struct {
	mu      sync.Mutex
	sources []Track
	out     *fakeTrack
}

func (d *fakeDest) Connect(track Track) error {
	d.mu.Lock()
	d.sources = append(d.sources, track)
	d.mu.Unlock()
	return nil
}

func (d *fakeDest) Output() Track { return d.out }

func (d *fakeDest) sourceIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, len(d.sources))
	for i, t := range d.sources {
		ids[i] = t.ID()
	}
	return ids
}

type fakeGraph struct {
	mu     sync.Mutex
	id     int
	dests  []*fakeDest
	closed bool
}

func (g *fakeGraph) NewDestination() MixDestination {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := &fakeDest{out: newFakeTrack(fmt.Sprintf("mix-%d-%d", g.id, len(g.dests)))}
	g.dests = append(g.dests, d)
	return d
}

func (g *fakeGraph) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

func (g *fakeGraph) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// destFor возвращает узел, выход которого является треком out
func (g *fakeGraph) destFor(out Track) *fakeDest {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range g.dests {
		if Track(d.out) == out {
			return d
		}
	}
	return nil
}

type fakeOutput struct {
	mu     sync.Mutex
	stream Stream
	sink   string
	muted  bool
	closed bool
}

func (o *fakeOutput) Muted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

func (o *fakeOutput) SetMuted(muted bool) {
	o.mu.Lock()
	o.muted = muted
	o.mu.Unlock()
}

func (o *fakeOutput) SinkID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sink
}

func (o *fakeOutput) SetSinkID(_ context.Context, id string) error {
	o.mu.Lock()
	o.sink = id
	o.mu.Unlock()
	return nil
}

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

type fakePlatform struct {
	mu          sync.Mutex
	devices     []Device
	acquireErr  error
	acquired    []*fakeStream
	constraints []Constraints
	graphs      []*fakeGraph
	outputs     []*fakeOutput
	beeps       []string
	beepErr     error

	// onAcquire вызывается при каждом захвате вне блокировки платформы
	onAcquire func(n int)
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		devices: []Device{
			{ID: "default", Kind: DeviceKindAudioInput, Label: "Default microphone"},
			{ID: "usb-mic", Kind: DeviceKindAudioInput, Label: "USB microphone"},
			{ID: "default", Kind: DeviceKindAudioOutput, Label: "Default speaker"},
			{ID: "headset", Kind: DeviceKindAudioOutput, Label: "Headset"},
		},
	}
}

func (p *fakePlatform) EnumerateDevices(context.Context) ([]Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Device(nil), p.devices...), nil
}

func (p *fakePlatform) GetUserMedia(_ context.Context, constraints Constraints) (Stream, error) {
	p.mu.Lock()
	if p.acquireErr != nil {
		err := p.acquireErr
		p.mu.Unlock()
		return nil, err
	}
	n := len(p.acquired) + 1
	id := fmt.Sprintf("mic-%d", n)
	stream := &fakeStream{id: id, tracks: []Track{newFakeTrack(id)}}
	p.acquired = append(p.acquired, stream)
	p.constraints = append(p.constraints, constraints)
	hook := p.onAcquire
	p.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return stream, nil
}

func (p *fakePlatform) NewAudioGraph() AudioGraph {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := &fakeGraph{id: len(p.graphs) + 1}
	p.graphs = append(p.graphs, g)
	return g
}

func (p *fakePlatform) NewAudioOutput(stream Stream, sinkID string) (AudioOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := &fakeOutput{stream: stream, sink: sinkID}
	p.outputs = append(p.outputs, o)
	return o, nil
}

func (p *fakePlatform) PlayBeep(sinkID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.beepErr != nil {
		return p.beepErr
	}
	p.beeps = append(p.beeps, sinkID)
	return nil
}

func (p *fakePlatform) beeped() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.beeps...)
}

func (p *fakePlatform) acquisitions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acquired)
}

// streamOf возвращает захваченный поток, которому принадлежит track
func (p *fakePlatform) streamOf(track Track) *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.acquired {
		for _, t := range s.tracks {
			if t == track {
				return s
			}
		}
	}
	return nil
}

func (p *fakePlatform) lastGraph() *fakeGraph {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.graphs) == 0 {
		return nil
	}
	return p.graphs[len(p.graphs)-1]
}

type fakeUA struct {
	mu      sync.Mutex
	cfg     UAConfig
	handler SessionHandler
	started bool
	stopped bool
	targets []string
	seq     int
}

func (u *fakeUA) Start(context.Context) error {
	u.mu.Lock()
	u.started = true
	u.mu.Unlock()
	return nil
}

func (u *fakeUA) Stop() error {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()
	return nil
}

func (u *fakeUA) SetHandler(handler SessionHandler) {
	u.mu.Lock()
	u.handler = handler
	u.mu.Unlock()
}

// Call уведомляет обработчик о новой исходящей сессии, как это делает настоящий UA
func (u *fakeUA) Call(_ context.Context, target string, _ CallOptions) (Session, error) {
	u.mu.Lock()
	u.seq++
	u.targets = append(u.targets, target)
	session := newFakeSession(fmt.Sprintf("out-call-%d", u.seq), DirectionOutgoing)
	session.status = StatusInviteSent
	handler := u.handler
	u.mu.Unlock()

	if handler != nil {
		handler.OnNewSession(session)
	}
	return session, nil
}

type memoryPrefs struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryPrefs() *memoryPrefs {
	return &memoryPrefs{values: make(map[string]string)}
}

func (m *memoryPrefs) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryPrefs) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

type testEnv struct {
	phone    *Phone
	platform *fakePlatform
	ua       *fakeUA
	prefs    *memoryPrefs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		platform: newFakePlatform(),
		ua:       &fakeUA{},
		prefs:    newMemoryPrefs(),
	}

	phone, err := NewPhone(DefaultConfig(), Dependencies{
		NewUserAgent: func(cfg UAConfig) (UserAgent, error) {
			env.ua.cfg = cfg
			return env.ua, nil
		},
		Platform:    env.platform,
		Preferences: env.prefs,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	env.phone = phone

	require.NoError(t, phone.Init(context.Background(), InitParams{
		Configuration: UAConfig{URI: "sip:1000@pbx.test"},
		Endpoints:     []string{"udp://127.0.0.1:5060"},
		Domain:        "pbx.test",
	}))
	return env
}

// incoming регистрирует входящую сессию так, как это делает user agent
func (e *testEnv) incoming(id string) *fakeSession {
	s := newFakeSession(id, DirectionIncoming)
	e.phone.OnNewSession(s)
	return s
}

func (e *testEnv) roomOf(t *testing.T, id string) RoomID {
	t.Helper()
	view, ok := e.phone.CallView(id)
	require.True(t, ok, "вызов %s не найден", id)
	return view.RoomID
}
