package callroom

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Phone контекст оркестрации: реестры вызовов и комнат, указатель активной
// комнаты, глобальные флаги и выбранные устройства.
//
// Все изменения реестров выполняются через методы Phone. Внутренняя
// блокировка не удерживается во время обращений к сигнализации и медиа.
type Phone struct {
	cfg       Config
	newUA     UAFactory
	platform  MediaPlatform
	prefs     Preferences
	logger    *slog.Logger
	metrics   *Metrics
	listeners *listenerTable

	mu           sync.Mutex
	calls        *callRegistry
	rooms        *roomRegistry
	lifecycles   map[string]*callLifecycle
	generation   uint64
	muted        bool
	dnd          bool
	inputDevice  string
	outputDevice string
	devices      []Device
	ua           UserAgent
	domain       string
	options      CallOptions

	observersMu sync.Mutex
	observers   map[uint64]func(State)
	observerSeq uint64
}

var _ SessionHandler = (*Phone)(nil)

// NewPhone создает Phone. Выбранные устройства читаются из Preferences,
// при отсутствии значения используется cfg.DefaultDevice.
func NewPhone(cfg Config, deps Dependencies) (*Phone, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Platform == nil {
		return nil, &Error{Code: ErrorCodeInvalidConfig, Message: "не задана медиа платформа"}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	p := &Phone{
		cfg:        cfg,
		newUA:      deps.NewUserAgent,
		platform:   deps.Platform,
		prefs:      deps.Preferences,
		logger:     logger,
		metrics:    metrics,
		listeners:  newListenerTable(),
		calls:      newCallRegistry(),
		rooms:      newRoomRegistry(),
		lifecycles: make(map[string]*callLifecycle),
		observers:  make(map[uint64]func(State)),
	}
	p.inputDevice = p.loadPreference(PrefSelectedInputDevice)
	p.outputDevice = p.loadPreference(PrefSelectedOutputDevice)

	return p, nil
}

func (p *Phone) loadPreference(key string) string {
	if p.prefs == nil {
		return p.cfg.DefaultDevice
	}
	value, ok, err := p.prefs.Get(key)
	if err != nil {
		p.logger.Warn("Phone.loadPreference", slog.String("key", key), slog.String("error", err.Error()))
		return p.cfg.DefaultDevice
	}
	if !ok || value == "" {
		return p.cfg.DefaultDevice
	}
	return value
}

func (p *Phone) storePreference(key, value string) {
	if p.prefs == nil {
		return
	}
	if err := p.prefs.Set(key, value); err != nil {
		p.logger.Warn("Phone.storePreference", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// usageError логирует ошибку использования и возвращает ее
func (p *Phone) usageError(op string, err *Error) error {
	p.logger.Warn(op, slog.String("error", err.Error()))
	return err
}

// Init создает и запускает user agent, регистрирует подписки и запоминает
// домен и опции вызовов. Список устройств обновляется без учета ошибок.
func (p *Phone) Init(ctx context.Context, params InitParams) error {
	p.mu.Lock()
	initialized := p.ua != nil
	p.mu.Unlock()
	if initialized {
		return p.usageError("Phone.Init", ErrAlreadyInitialized)
	}
	if p.newUA == nil {
		return p.usageError("Phone.Init", &Error{Code: ErrorCodeInvalidConfig, Message: "не задана фабрика user agent'а"})
	}

	uaCfg := params.Configuration
	uaCfg.Endpoints = append(append([]string(nil), uaCfg.Endpoints...), params.Endpoints...)

	ua, err := p.newUA(uaCfg)
	if err != nil {
		return errors.Wrap(err, "create user agent")
	}
	ua.SetHandler(p)

	for _, sub := range params.Listeners {
		p.Subscribe(sub.Kind, sub.Handler)
	}

	if err := ua.Start(ctx); err != nil {
		return errors.Wrap(err, "start user agent")
	}

	p.mu.Lock()
	p.ua = ua
	p.domain = params.Domain
	p.options = params.Options
	p.mu.Unlock()

	p.logger.Info("Phone.Init",
		slog.String("uri", uaCfg.URI),
		slog.String("domain", params.Domain),
		slog.Int("endpoints", len(uaCfg.Endpoints)))

	if _, err := p.RefreshDevices(ctx); err != nil {
		p.logger.Warn("Phone.Init: устройства", slog.String("error", err.Error()))
	}
	p.publish()
	return nil
}

// Close останавливает user agent и освобождает медиа ресурсы вызовов
func (p *Phone) Close() error {
	p.mu.Lock()
	ua := p.ua
	p.ua = nil
	calls := p.calls.all()
	var graphs []AudioGraph
	for _, rm := range p.rooms.rooms {
		if rm.graph != nil {
			graphs = append(graphs, rm.graph)
			rm.graph = nil
		}
	}
	p.mu.Unlock()

	for _, c := range calls {
		p.releaseMedia(c)
	}
	for _, g := range graphs {
		closeGraph(p.logger, g)
	}
	if ua == nil {
		return nil
	}
	return errors.Wrap(ua.Stop(), "stop user agent")
}

func (p *Phone) userAgent() UserAgent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ua
}

// targetURI строит SIP адрес из короткого номера и домена
func (p *Phone) targetURI(target string) string {
	scheme := p.cfg.URIScheme + ":"
	if strings.HasPrefix(target, scheme) || strings.HasPrefix(target, "sips:") {
		return target
	}
	p.mu.Lock()
	domain := p.domain
	p.mu.Unlock()
	if domain == "" || strings.Contains(target, "@") {
		return scheme + target
	}
	return scheme + target + "@" + domain
}

func (p *Phone) constraintsLocked() Constraints {
	return Constraints{AudioDeviceID: p.inputDevice}
}

func (p *Phone) callOptions() CallOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	opts := p.options
	opts.Constraints = p.constraintsLocked()
	return opts
}

func (p *Phone) lookup(op, id string) (*call, error) {
	p.mu.Lock()
	c, ok := p.calls.get(id)
	p.mu.Unlock()
	if !ok {
		return nil, p.usageError(op, newCallError(ErrorCodeCallNotFound, id, "вызов не найден"))
	}
	return c, nil
}

// Call размещает исходящий вызов и возвращает его идентификатор
func (p *Phone) Call(ctx context.Context, target string) (string, error) {
	ua := p.userAgent()
	if ua == nil {
		return "", p.usageError("Phone.Call", ErrNotInitialized)
	}
	if strings.TrimSpace(target) == "" {
		return "", p.usageError("Phone.Call", ErrEmptyTarget)
	}

	uri := p.targetURI(target)
	session, err := ua.Call(ctx, uri, p.callOptions())
	if err != nil {
		return "", &Error{Code: ErrorCodeSignaling, Message: "исходящий вызов " + uri, Wrapped: err}
	}

	// User agent уведомляет о новой сессии сам; повторное уведомление игнорируется.
	p.OnNewSession(session)
	p.bindRemoteAudio(session)

	p.logger.Debug("Phone.Call", slog.String("call", session.ID()), slog.String("uri", uri))
	return session.ID(), nil
}

// Answer отвечает на входящий вызов
func (p *Phone) Answer(ctx context.Context, id string) error {
	c, err := p.lookup("Phone.Answer", id)
	if err != nil {
		return err
	}
	if err := c.session.Answer(ctx, p.callOptions()); err != nil {
		return &Error{Code: ErrorCodeSignaling, Message: "ответ на вызов", CallID: id, Wrapped: err}
	}
	p.bindRemoteAudio(c.session)
	p.publish()
	return nil
}

// Terminate завершает вызов. Уже завершенная сессия повторно не завершается.
func (p *Phone) Terminate(ctx context.Context, id string) error {
	c, err := p.lookup("Phone.Terminate", id)
	if err != nil {
		return err
	}

	if c.session.Status() != StatusTerminated {
		if err := c.session.Terminate(ctx, TerminateOptions{}); err != nil {
			p.logger.Warn("Phone.Terminate", slog.String("call", id), slog.String("error", err.Error()))
		}
	} else {
		p.logger.Debug("Phone.Terminate: сессия уже завершена", slog.String("call", id))
	}

	// user agent мог уже сообщить о завершении из session.Terminate
	if p.tracked(id) {
		event := SessionEvent{Originator: "local", Cause: "Terminated", Timestamp: time.Now()}
		p.dispatch(EventEnded, c.session, event)
		p.advance(ctx, id, CallStateEnded, event)
	}
	return nil
}

// Hold ставит вызов на удержание
func (p *Phone) Hold(ctx context.Context, id string) error {
	return p.setHold(ctx, "Phone.Hold", id, true)
}

// Unhold снимает вызов с удержания
func (p *Phone) Unhold(ctx context.Context, id string) error {
	return p.setHold(ctx, "Phone.Unhold", id, false)
}

func (p *Phone) setHold(ctx context.Context, op, id string, toHold bool) error {
	c, err := p.lookup(op, id)
	if err != nil {
		return err
	}
	if toHold {
		err = c.session.Hold(ctx)
	} else {
		err = c.session.Unhold(ctx)
	}
	if err != nil {
		return &Error{Code: ErrorCodeSignaling, Message: strings.ToLower(strings.TrimPrefix(op, "Phone.")), CallID: id, Wrapped: err}
	}
	p.applyMutePolicy(ctx, c)
	p.publish()
	return nil
}

// Transfer переводит вызов на target (blind transfer через REFER)
func (p *Phone) Transfer(ctx context.Context, id, target string) error {
	if strings.TrimSpace(target) == "" {
		return p.usageError("Phone.Transfer", ErrEmptyTarget)
	}
	c, err := p.lookup("Phone.Transfer", id)
	if err != nil {
		return err
	}
	if err := c.session.Refer(ctx, p.targetURI(target), ReferOptions{}); err != nil {
		return &Error{Code: ErrorCodeSignaling, Message: "перевод вызова", CallID: id, Wrapped: err}
	}
	p.publish()
	return nil
}

// AttendedTransfer соединяет удаленную сторону вызова с первым другим вызовом
// (REFER с Replaces)
func (p *Phone) AttendedTransfer(ctx context.Context, id string) error {
	c, err := p.lookup("Phone.AttendedTransfer", id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	var other *call
	for _, candidate := range p.calls.all() {
		if candidate.id != id {
			other = candidate
			break
		}
	}
	p.mu.Unlock()
	if other == nil {
		return p.usageError("Phone.AttendedTransfer", newCallError(ErrorCodeCallNotFound, id, "нет второго вызова для перевода"))
	}

	target := other.session.RemoteIdentity()
	if err := c.session.Refer(ctx, target, ReferOptions{Replaces: other.session}); err != nil {
		return &Error{Code: ErrorCodeSignaling, Message: "перевод с заменой", CallID: id, Wrapped: err}
	}
	p.publish()
	return nil
}

// SetActiveRoom делает комнату активной. Повторная установка той же комнаты
// ничего не делает; иначе реконсилируются старая и новая комната, старая первой.
// Ноль снимает активность со всех комнат.
func (p *Phone) SetActiveRoom(ctx context.Context, roomID RoomID) error {
	p.mu.Lock()
	if roomID != 0 && !p.rooms.exists(roomID) {
		p.mu.Unlock()
		return p.usageError("Phone.SetActiveRoom", ErrRoomNotFound)
	}
	old, changed := p.rooms.setActive(roomID)
	p.mu.Unlock()

	if !changed {
		return nil
	}

	p.logger.Debug("Phone.SetActiveRoom", slog.Int("old", int(old)), slog.Int("new", int(roomID)))
	p.reconcileRoom(ctx, old)
	p.reconcileRoom(ctx, roomID)
	p.publish()
	return nil
}

// MoveCallToRoom переносит вызов в комнату. roomID <= 0 выделяет новую комнату;
// несуществующий положительный roomID создает комнату с этим номером.
// Реконсилируются исходная и целевая комнаты, затем пустые удаляются.
func (p *Phone) MoveCallToRoom(ctx context.Context, id string, roomID RoomID) (RoomID, error) {
	p.mu.Lock()
	c, ok := p.calls.get(id)
	if !ok {
		p.mu.Unlock()
		return 0, p.usageError("Phone.MoveCallToRoom", newCallError(ErrorCodeCallNotFound, id, "вызов не найден"))
	}
	if roomID <= 0 {
		roomID = p.rooms.allocate()
	}
	old := c.roomID
	if old == roomID {
		p.mu.Unlock()
		return roomID, nil
	}
	p.rooms.ensure(roomID, time.Now())
	c.roomID = roomID
	p.metrics.observeRegistry(p.calls.len(), p.rooms.len())
	p.mu.Unlock()

	p.logger.Debug("Phone.MoveCallToRoom",
		slog.String("call", id),
		slog.Int("from", int(old)),
		slog.Int("to", int(roomID)))

	p.reconcileRoom(ctx, old)
	p.reconcileRoom(ctx, roomID)
	p.deleteRoomIfEmpty(old)
	p.deleteRoomIfEmpty(roomID)
	p.publish()
	return roomID, nil
}

// Merge переносит все вызовы комнаты roomID в активную комнату,
// после чего активная комната переходит в режим конференции.
func (p *Phone) Merge(ctx context.Context, roomID RoomID) error {
	p.mu.Lock()
	target := p.rooms.active
	if !p.rooms.exists(roomID) || target == 0 {
		p.mu.Unlock()
		return p.usageError("Phone.Merge", ErrRoomNotFound)
	}
	if target == roomID {
		p.mu.Unlock()
		return nil
	}
	members := p.calls.inRoom(roomID)
	for _, c := range members {
		c.roomID = target
	}
	p.mu.Unlock()

	p.logger.Debug("Phone.Merge",
		slog.Int("from", int(roomID)),
		slog.Int("into", int(target)),
		slog.Int("calls", len(members)))

	p.reconcileRoom(ctx, roomID)
	p.reconcileRoom(ctx, target)
	p.deleteRoomIfEmpty(roomID)
	p.publish()
	return nil
}

// SetMuted меняет глобальный mute и применяет политику ко всем вызовам
// без повторного захвата микрофона
func (p *Phone) SetMuted(ctx context.Context, muted bool) {
	p.mu.Lock()
	p.muted = muted
	calls := p.calls.all()
	p.mu.Unlock()

	p.logger.Debug("Phone.SetMuted", slog.Bool("muted", muted))
	for _, c := range calls {
		p.applyMutePolicy(ctx, c)
	}
	p.publish()
}

// SetCallMuted задает индивидуальный mute вызова
func (p *Phone) SetCallMuted(ctx context.Context, id string, muted bool) error {
	p.mu.Lock()
	c, ok := p.calls.get(id)
	if ok {
		c.muteOverride = muted
	}
	p.mu.Unlock()
	if !ok {
		return p.usageError("Phone.SetCallMuted", newCallError(ErrorCodeCallNotFound, id, "вызов не найден"))
	}

	p.applyMutePolicy(ctx, c)
	p.publish()
	return nil
}

// SetDND включает режим "не беспокоить"
func (p *Phone) SetDND(enabled bool) {
	p.mu.Lock()
	p.dnd = enabled
	p.mu.Unlock()

	p.logger.Debug("Phone.SetDND", slog.Bool("dnd", enabled))
	p.publish()
}

// RefreshDevices перечитывает список устройств платформы
func (p *Phone) RefreshDevices(ctx context.Context) ([]Device, error) {
	devices, err := p.platform.EnumerateDevices(ctx)
	if err != nil {
		p.metrics.mediaFailures.WithLabelValues("enumerate_devices").Inc()
		return nil, errors.Wrap(err, "enumerate devices")
	}

	p.mu.Lock()
	p.devices = append([]Device(nil), devices...)
	input, output := p.inputDevice, p.outputDevice
	p.mu.Unlock()

	if !hasDevice(devices, DeviceKindAudioInput, input) {
		p.logger.Info("Phone.RefreshDevices: выбранное устройство ввода недоступно", slog.String("device", input))
	}
	if !hasDevice(devices, DeviceKindAudioOutput, output) {
		p.logger.Info("Phone.RefreshDevices: выбранное устройство вывода недоступно", slog.String("device", output))
	}

	p.publish()
	return devices, nil
}

func hasDevice(devices []Device, kind DeviceKind, id string) bool {
	for _, d := range devices {
		if d.Kind == kind && d.ID == id {
			return true
		}
	}
	return false
}

// SetMicrophone выбирает устройство ввода, сохраняет выбор и перенаправляет
// звук активной комнаты
func (p *Phone) SetMicrophone(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	if !hasDevice(p.devices, DeviceKindAudioInput, deviceID) {
		p.mu.Unlock()
		return p.usageError("Phone.SetMicrophone", ErrDeviceNotFound)
	}
	p.inputDevice = deviceID
	active := p.rooms.active
	p.mu.Unlock()

	p.storePreference(PrefSelectedInputDevice, deviceID)
	p.logger.Debug("Phone.SetMicrophone", slog.String("device", deviceID))

	p.reconcileRoom(ctx, active)
	p.publish()
	return nil
}

// SetSpeaker выбирает устройство вывода, сохраняет выбор и переключает
// на него выходы всех вызовов
func (p *Phone) SetSpeaker(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	if !hasDevice(p.devices, DeviceKindAudioOutput, deviceID) {
		p.mu.Unlock()
		return p.usageError("Phone.SetSpeaker", ErrDeviceNotFound)
	}
	p.outputDevice = deviceID
	var outputs []AudioOutput
	for _, c := range p.calls.all() {
		if c.output != nil {
			outputs = append(outputs, c.output)
		}
	}
	p.mu.Unlock()

	p.storePreference(PrefSelectedOutputDevice, deviceID)
	p.logger.Debug("Phone.SetSpeaker", slog.String("device", deviceID), slog.Int("outputs", len(outputs)))

	for _, output := range outputs {
		if err := output.SetSinkID(ctx, deviceID); err != nil {
			p.metrics.mediaFailures.WithLabelValues("set_sink").Inc()
			p.logger.Warn("Phone.SetSpeaker", slog.String("error", err.Error()))
		}
	}
	p.publish()
	return nil
}

// Snapshot возвращает публичное состояние
func (p *Phone) Snapshot() State {
	p.mu.Lock()
	pending := p.calls.pendingViews()
	state := State{
		Rooms:         p.rooms.infos(),
		ActiveRoom:    p.rooms.active,
		Muted:         p.muted,
		DoNotDisturb:  p.dnd,
		InputDevice:   p.inputDevice,
		OutputDevice:  p.outputDevice,
		Devices:       append([]Device(nil), p.devices...),
		UAInitialized: p.ua != nil,
		SIPDomain:     p.domain,
	}
	p.mu.Unlock()

	state.Calls = make(map[string]CallView, len(pending))
	for _, v := range pending {
		state.Calls[v.view.ID] = v.build()
	}
	return state
}

// CallView возвращает публичное представление вызова
func (p *Phone) CallView(id string) (CallView, bool) {
	p.mu.Lock()
	c, ok := p.calls.get(id)
	if !ok {
		p.mu.Unlock()
		return CallView{}, false
	}
	pending := c.pending()
	p.mu.Unlock()
	return pending.build(), true
}

// OnNewSession регистрирует новую сессию. Входящая неотвеченная сессия
// в режиме "не беспокоить" отклоняется и в реестр не попадает.
func (p *Phone) OnNewSession(session Session) {
	id := session.ID()
	ctx := context.Background()

	p.mu.Lock()
	known := p.calls.known(id) || p.lifecycles[id] != nil
	dnd := p.dnd
	p.mu.Unlock()
	if known {
		return
	}

	if dnd && session.Direction() == DirectionIncoming && session.Status() == StatusUnanswered {
		p.reject(ctx, session)
		return
	}

	tr := &transition{session: session, event: SessionEvent{Originator: originatorOf(session), Timestamp: time.Now()}}
	p.mu.Lock()
	if p.calls.known(id) || p.lifecycles[id] != nil {
		p.mu.Unlock()
		return
	}
	lc := newCallLifecycle(p, id)
	p.lifecycles[id] = lc
	lc.setState(CallStateCreated, tr)
	p.mu.Unlock()

	p.dispatch(EventNewCall, session, tr.event)
	if session.Direction() == DirectionIncoming {
		p.beep(session.ID())
	}
	p.bindRemoteAudio(session)
	p.finish(ctx, tr)
}

// beep подает сигнал входящего вызова на выбранное устройство вывода
func (p *Phone) beep(callID string) {
	beeper, ok := p.platform.(Beeper)
	if !ok {
		return
	}
	p.mu.Lock()
	sink := p.outputDevice
	p.mu.Unlock()

	if err := beeper.PlayBeep(sink); err != nil {
		p.metrics.mediaFailures.WithLabelValues("beep").Inc()
		p.logger.Warn("Phone.beep", slog.String("call", callID), slog.String("sink", sink), slog.String("error", err.Error()))
	}
}

func (p *Phone) reject(ctx context.Context, session Session) {
	opCtx, cancel := p.opContext(ctx)
	defer cancel()

	p.metrics.dndRejections.Inc()
	err := session.Terminate(opCtx, TerminateOptions{StatusCode: p.cfg.RejectStatusCode, Reason: p.cfg.RejectReason})
	if err != nil {
		p.logger.Warn("Phone.reject", slog.String("call", session.ID()), slog.String("error", err.Error()))
		return
	}
	p.logger.Info("Phone.reject: режим не беспокоить",
		slog.String("call", session.ID()),
		slog.Int("status", p.cfg.RejectStatusCode))
}

func originatorOf(session Session) string {
	if session.Direction() == DirectionIncoming {
		return "remote"
	}
	return "local"
}

// OnProgress обрабатывает предварительный ответ
func (p *Phone) OnProgress(session Session, event SessionEvent) {
	if !p.tracked(session.ID()) {
		return
	}
	p.dispatch(EventProgress, session, event)
	p.advance(context.Background(), session.ID(), CallStateProgressing, event)
}

// OnConfirmed обрабатывает подтверждение сессии
func (p *Phone) OnConfirmed(session Session, event SessionEvent) {
	if !p.tracked(session.ID()) {
		return
	}
	p.dispatch(EventConfirmed, session, event)
	p.advance(context.Background(), session.ID(), CallStateConfirmed, event)
	p.bindRemoteAudio(session)
}

// OnFailed обрабатывает неуспешное завершение сессии
func (p *Phone) OnFailed(session Session, event SessionEvent) {
	if !p.tracked(session.ID()) {
		return
	}
	p.dispatch(EventFailed, session, event)
	p.advance(context.Background(), session.ID(), CallStateFailed, event)
}

// OnEnded обрабатывает завершение сессии
func (p *Phone) OnEnded(session Session, event SessionEvent) {
	if !p.tracked(session.ID()) {
		return
	}
	p.dispatch(EventEnded, session, event)
	p.advance(context.Background(), session.ID(), CallStateEnded, event)
}

// tracked сообщает, что сессия зарегистрирована как вызов. События сессий,
// отклоненных без регистрации (режим "не беспокоить"), и повторные события
// завершенных вызовов подписчикам не передаются.
func (p *Phone) tracked(id string) bool {
	p.mu.Lock()
	_, ok := p.lifecycles[id]
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("Phone: событие неизвестной сессии", slog.String("call", id))
	}
	return ok
}

// advance переводит автомат вызова в dst и выполняет отложенную работу перехода.
// События для неизвестных вызовов игнорируются.
func (p *Phone) advance(ctx context.Context, id string, dst CallState, event SessionEvent) {
	p.mu.Lock()
	lc, ok := p.lifecycles[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	tr := &transition{event: event}
	lc.setState(dst, tr)
	p.mu.Unlock()

	p.finish(ctx, tr)
}

func (p *Phone) finish(ctx context.Context, tr *transition) {
	if tr.removed != nil {
		p.releaseMedia(tr.removed)
	}
	for _, roomID := range tr.reconcile {
		p.reconcileRoom(ctx, roomID)
	}
	if tr.activate != 0 {
		if err := p.SetActiveRoom(ctx, tr.activate); err != nil {
			p.logger.Warn("Phone.finish", slog.String("error", err.Error()))
		}
	}
	p.publish()
}

// releaseMedia освобождает микрофон и выход удаленного вызова
func (p *Phone) releaseMedia(c *call) {
	p.mu.Lock()
	route := c.outgoing
	output := c.output
	c.outgoing = outgoingRoute{generation: route.generation}
	c.output = nil
	p.mu.Unlock()

	stopStream(route.stream)
	if output != nil {
		if err := output.Close(); err != nil {
			p.logger.Warn("Phone.releaseMedia", slog.String("call", c.id), slog.String("error", err.Error()))
		}
	}
}

// bindRemoteAudio подписывается на удаленный поток сессии один раз
func (p *Phone) bindRemoteAudio(session Session) {
	conn := session.Connection()
	if conn == nil {
		return
	}
	id := session.ID()

	p.mu.Lock()
	c, ok := p.calls.get(id)
	if !ok || c.remoteBound {
		p.mu.Unlock()
		return
	}
	c.remoteBound = true
	p.mu.Unlock()

	conn.OnRemoteStream(func(stream Stream) {
		p.attachOutput(id, stream)
	})
}

// attachOutput создает выход для удаленного потока на выбранном устройстве.
// Выход заглушен, если комната вызова не активна или вызов на удержании.
func (p *Phone) attachOutput(id string, stream Stream) {
	p.mu.Lock()
	c, ok := p.calls.get(id)
	sink := p.outputDevice
	p.mu.Unlock()
	if !ok {
		return
	}

	output, err := p.platform.NewAudioOutput(stream, sink)
	if err != nil {
		p.metrics.mediaFailures.WithLabelValues("audio_output").Inc()
		p.logger.Warn("Phone.attachOutput", slog.String("call", id), slog.String("error", err.Error()))
		return
	}

	p.mu.Lock()
	if _, ok := p.calls.get(id); !ok {
		p.mu.Unlock()
		_ = output.Close()
		return
	}
	old := c.output
	c.output = output
	active := p.rooms.active == c.roomID
	p.mu.Unlock()

	output.SetMuted(!active || c.session.IsOnHold())
	if old != nil {
		_ = old.Close()
	}
	p.logger.Debug("Phone.attachOutput", slog.String("call", id), slog.String("sink", sink))
	p.publish()
}
