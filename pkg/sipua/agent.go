package sipua

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/roomphone/pkg/callroom"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Agent SIP user agent поверх sipgo, реализует callroom.UserAgent.
//
// Исходящие вызовы создаются через DialogClientCache, входящие принимаются
// через DialogServerCache. Каждому вызову выделяется RTP сокет из пула портов.
type Agent struct {
	cfg    Config
	logger *slog.Logger
	self   sip.Uri

	ua        *sipgo.UserAgent
	server    *sipgo.Server
	client    requestWriter
	dialogCli *sipgo.DialogClientCache
	dialogSrv *sipgo.DialogServerCache
	ports     *portPool

	handlerMu sync.RWMutex
	handler   callroom.SessionHandler

	mu       sync.Mutex
	sessions map[string]*Session
	cancel   context.CancelFunc
	group    *errgroup.Group
}

var _ callroom.UserAgent = (*Agent)(nil)

// requestWriter отправка запросов вне транзакции (ACK на 2xx re-INVITE)
type requestWriter interface {
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
}

// NewAgent создает user agent. logger может быть nil.
func NewAgent(cfg Config, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var self sip.Uri
	if err := sip.ParseUri(cfg.URI, &self); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to parse own URI")
	}
	first, err := parseEndpoint(cfg.Endpoints[0])
	if err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent), sipgo.WithUserAgentHostname(first.host))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "init UA")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "new server")
	}
	cli, err := sipgo.NewClient(ua, sipgo.WithClientHostname(first.host))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "new client")
	}

	contact := sip.ContactHeader{
		DisplayName: cfg.DisplayName,
		Address:     sip.Uri{User: self.User, Host: first.host, Port: first.port},
	}

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		self:      self,
		ua:        ua,
		server:    srv,
		client:    cli,
		dialogCli: sipgo.NewDialogClientCache(cli, contact),
		dialogSrv: sipgo.NewDialogServerCache(cli, contact),
		ports:     newPortPool(cfg.RTPHost, cfg.RTPPortMin, cfg.RTPPortMax),
		sessions:  make(map[string]*Session),
	}
	a.onRequests()
	return a, nil
}

// NewFactory возвращает фабрику user agent'ов для callroom.Phone.
// Поля UAConfig, если заданы, перекрывают base.
func NewFactory(base Config, logger *slog.Logger) callroom.UAFactory {
	return func(uc callroom.UAConfig) (callroom.UserAgent, error) {
		cfg := base
		if uc.URI != "" {
			cfg.URI = uc.URI
		}
		if uc.DisplayName != "" {
			cfg.DisplayName = uc.DisplayName
		}
		if uc.UserAgent != "" {
			cfg.UserAgent = uc.UserAgent
		}
		if len(uc.Endpoints) > 0 {
			cfg.Endpoints = uc.Endpoints
		}
		return NewAgent(cfg, logger)
	}
}

func (a *Agent) onRequests() {
	a.server.OnInvite(a.handleInvite)
	a.server.OnAck(a.handleAck)
	a.server.OnBye(a.handleBye)
	a.server.OnCancel(a.handleCancel)
	a.server.OnRefer(a.handleRefer)
	a.server.OnOptions(a.handleOptions)
}

// SetHandler задает получателя событий сессий
func (a *Agent) SetHandler(handler callroom.SessionHandler) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.handler = handler
}

func (a *Agent) sessionHandler() callroom.SessionHandler {
	a.handlerMu.RLock()
	defer a.handlerMu.RUnlock()
	return a.handler
}

// Start запускает прослушивание всех транспортов
func (a *Agent) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.group != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	for _, raw := range a.cfg.Endpoints {
		ep, err := parseEndpoint(raw)
		if err != nil {
			cancel()
			return err
		}
		g.Go(func() error {
			a.logger.Info("Agent.Start listen", slog.String("network", ep.network), slog.String("addr", ep.addr()))
			return a.server.ListenAndServe(gctx, ep.network, ep.addr())
		})
	}
	a.cancel = cancel
	a.group = g

	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("Agent.Start transport stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop завершает все сессии и закрывает транспорты
func (a *Agent) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.group = nil
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		ctx, done := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
		if err := s.Terminate(ctx, callroom.TerminateOptions{}); err != nil {
			s.logger.Warn("Agent.Stop terminate", slog.String("error", err.Error()))
		}
		done()
	}

	if cancel != nil {
		cancel()
	}
	return a.ua.Close()
}

// Call отправляет INVITE на target и возвращает сессию сразу после отправки.
// Ответ ожидается в фоне; результат сообщается через SessionHandler.
func (a *Agent) Call(ctx context.Context, target string, opts callroom.CallOptions) (callroom.Session, error) {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to parse target URI")
	}

	media, err := a.openMedia(uuid.NewString())
	if err != nil {
		return nil, err
	}

	callID := sip.CallIDHeader(media.id)
	headers := append([]sip.Header{&callID}, extraHeaders(opts.Headers)...)

	s := newSession(a, media.id, callroom.DirectionOutgoing, uri, media)
	s.setStatus(callroom.StatusInviteSent)
	body, err := s.localOfferLocked(dirSendRecv).marshal()
	if err != nil {
		a.releaseMedia(media)
		return nil, pkgerrors.Wrap(err, "failed to build SDP")
	}

	dialog, err := a.dialogCli.Invite(ctx, uri, body, headers...)
	if err != nil {
		a.releaseMedia(media)
		return nil, pkgerrors.Wrap(err, "INVITE failed")
	}

	waitCtx, cancelWait := context.WithCancel(context.Background())
	s.mu.Lock()
	s.leg = dialog
	s.cancelInvite = cancelWait
	s.mu.Unlock()

	a.track(s)
	media.start()
	a.logger.Info("Agent.Call", slog.String("call_id", s.id), slog.String("target", uri.String()))

	if h := a.sessionHandler(); h != nil {
		h.OnNewSession(s)
	}
	go a.waitAnswer(waitCtx, s, dialog)
	return s, nil
}

// waitAnswer ожидает финальный ответ на INVITE исходящего вызова
func (a *Agent) waitAnswer(ctx context.Context, s *Session, dialog *sipgo.DialogClientSession) {
	var final *sip.Response
	err := dialog.WaitAnswer(ctx, sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			if res.StatusCode >= 200 {
				final = res
				return nil
			}
			if res.StatusCode == sip.StatusTrying {
				return nil
			}
			s.setStatus(callroom.Status1xxReceived)
			if h := a.sessionHandler(); h != nil {
				h.OnProgress(s, callroom.SessionEvent{
					Originator: "remote",
					StatusCode: res.StatusCode,
					Reason:     res.Reason,
					Timestamp:  time.Now(),
				})
			}
			return nil
		},
	})

	s.mu.Lock()
	s.cancelInvite = nil
	s.mu.Unlock()

	if err != nil {
		event := callroom.SessionEvent{Originator: "remote", Cause: "Rejected"}
		switch {
		case s.Status() == callroom.StatusCanceled:
			event = callroom.SessionEvent{Originator: "local", StatusCode: sip.StatusRequestTerminated, Cause: "Canceled"}
		case final != nil:
			event.StatusCode = final.StatusCode
			event.Reason = final.Reason
			event.Cause = causeFromStatus(final.StatusCode)
		default:
			event.Originator = "system"
			event.Cause = "Request Timeout"
			event.Reason = err.Error()
		}
		s.setStatus(callroom.StatusTerminated)
		a.logger.Info("Agent.waitAnswer failed",
			slog.String("call_id", s.id),
			slog.Int("code", event.StatusCode),
			slog.String("cause", event.Cause))
		s.finish(callroom.EventFailed, event)
		return
	}

	if final == nil {
		final = dialog.InviteResponse
	}
	s.setStatus(callroom.StatusAnswered)
	ackCtx, cancel := a.requestContext(context.Background())
	defer cancel()
	if err := dialog.Ack(ackCtx); err != nil {
		s.logger.Warn("Agent.waitAnswer ACK", slog.String("error", err.Error()))
	}

	if final != nil {
		local, _ := final.From().Params.Get("tag")
		remote, _ := final.To().Params.Get("tag")
		s.setDialogTags(local, remote)
		if contact := final.Contact(); contact != nil {
			s.mu.Lock()
			s.remoteTarget = contact.Address
			s.mu.Unlock()
		}
		if media, err := parseRemoteMedia(final.Body()); err == nil {
			s.media.setSending(!media.onHold())
			s.media.setRemote(media.addr)
		} else {
			s.logger.Warn("Agent.waitAnswer SDP", slog.String("error", err.Error()))
		}
	}

	s.setStatus(callroom.StatusConfirmed)
	a.logger.Info("Agent.waitAnswer confirmed", slog.String("call_id", s.id))
	if h := a.sessionHandler(); h != nil {
		event := callroom.SessionEvent{Originator: "remote", StatusCode: sip.StatusOK, Reason: "OK", Timestamp: time.Now()}
		h.OnConfirmed(s, event)
	}
}

// handleInvite принимает входящий INVITE или re-INVITE установленного диалога
func (a *Agent) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if to := req.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			a.handleReInvite(req, tx)
			return
		}
	}

	dlg, err := a.dialogSrv.ReadInvite(req, tx)
	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}

	offer, err := parseRemoteMedia(req.Body())
	if err != nil {
		a.logger.Warn("Agent.handleInvite SDP", slog.String("error", err.Error()))
		dlg.Respond(488, "Not Acceptable Here", nil)
		return
	}

	callID := req.CallID().Value()
	media, err := a.openMedia(callID)
	if err != nil {
		a.logger.Error("Agent.handleInvite media", slog.String("error", err.Error()))
		dlg.Respond(500, "Server Internal Error", nil)
		return
	}

	var remote sip.Uri
	if from := req.From(); from != nil {
		remote = from.Address
	}
	s := newSession(a, callID, callroom.DirectionIncoming, remote, media)
	decided := make(chan struct{})
	s.mu.Lock()
	s.leg = dlg
	s.responder = &trackedResponder{inviteResponder: dlg, decided: decided}
	s.offer = offer
	if contact := req.Contact(); contact != nil {
		s.remoteTarget = contact.Address
	}
	s.mu.Unlock()
	if from := req.From(); from != nil {
		remoteTag, _ := from.Params.Get("tag")
		s.setDialogTags("", remoteTag)
	}
	s.setStatus(callroom.StatusUnanswered)

	a.track(s)
	media.start()
	a.logger.Info("Agent.handleInvite", slog.String("call_id", callID), slog.String("from", remote.String()))

	if h := a.sessionHandler(); h != nil {
		h.OnNewSession(s)
	}

	if s.Status() == callroom.StatusUnanswered {
		if err := dlg.Respond(180, "Ringing", nil); err != nil {
			s.logger.Warn("Agent.handleInvite ringing", slog.String("error", err.Error()))
		}
		s.setStatus(callroom.StatusWaitingForAnswer)
	}

	// транзакция INVITE живет до ответа приложения
	select {
	case <-decided:
	case <-tx.Done():
		s.mu.Lock()
		pending := s.responder != nil
		s.responder = nil
		s.mu.Unlock()
		if pending {
			s.setStatus(callroom.StatusCanceled)
			s.finish(callroom.EventFailed, callroom.SessionEvent{Originator: "remote", Cause: "Canceled"})
		}
	}
}

// handleReInvite отвечает на re-INVITE: удержание удаленной стороной или смена адреса
func (a *Agent) handleReInvite(req *sip.Request, tx sip.ServerTransaction) {
	s := a.lookup(req.CallID().Value())
	if s == nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}

	offer, err := parseRemoteMedia(req.Body())
	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	s.mu.Lock()
	s.offer = offer
	s.sdpVersion++
	answer := s.localOfferLocked(answerDirection(offer.direction, s.held.Load()))
	s.mu.Unlock()

	body, err := answer.marshal()
	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
		return
	}
	s.media.setSending(!offer.onHold())
	s.media.setRemote(offer.addr)

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)
	tx.Respond(res)
	s.logger.Debug("Agent.handleReInvite", slog.String("direction", offer.direction))
}

func (a *Agent) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := a.dialogSrv.ReadAck(req, tx); err != nil {
		// ACK на 2xx re-INVITE не относится к кэшу диалогов
		a.logger.Debug("Agent.handleAck", slog.String("error", err.Error()))
	}

	s := a.lookup(req.CallID().Value())
	if s == nil || s.Status() != callroom.StatusWaitingForAck {
		return
	}
	if to := req.To(); to != nil {
		localTag, _ := to.Params.Get("tag")
		s.mu.Lock()
		s.localTag = localTag
		s.mu.Unlock()
	}
	s.setStatus(callroom.StatusConfirmed)
	if h := a.sessionHandler(); h != nil {
		h.OnConfirmed(s, callroom.SessionEvent{Originator: "remote", Timestamp: time.Now()})
	}
}

func (a *Agent) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s := a.lookup(req.CallID().Value())
	if s == nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}

	var err error
	if s.direction == callroom.DirectionOutgoing {
		err = a.dialogCli.ReadBye(req, tx)
	} else {
		err = a.dialogSrv.ReadBye(req, tx)
	}
	if err != nil {
		a.logger.Debug("Agent.handleBye", slog.String("error", err.Error()))
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}

	s.setStatus(callroom.StatusTerminated)
	s.finish(callroom.EventEnded, callroom.SessionEvent{Originator: "remote", Cause: "BYE"})
}

func (a *Agent) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	s := a.lookup(req.CallID().Value())
	if s == nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	s.mu.Lock()
	responder := s.responder
	s.responder = nil
	s.mu.Unlock()
	if responder == nil {
		return
	}
	if err := responder.Respond(sip.StatusRequestTerminated, "Request Terminated", nil); err != nil {
		s.logger.Debug("Agent.handleCancel", slog.String("error", err.Error()))
	}
	s.setStatus(callroom.StatusCanceled)
	s.finish(callroom.EventFailed, callroom.SessionEvent{Originator: "remote", Cause: "Canceled"})
}

// handleRefer отклоняет входящие переводы: переводы инициирует только Phone
func (a *Agent) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	a.logger.Info("Agent.handleRefer rejected", slog.String("call_id", req.CallID().Value()))
	tx.Respond(sip.NewResponseFromRequest(req, 501, "Not Implemented", nil))
}

func (a *Agent) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

// ack отправляет ACK на 2xx ответ re-INVITE
func (a *Agent) ack(inv *sip.Request, res *sip.Response) error {
	return a.client.WriteRequest(newAckRequest(inv, res), sipgo.ClientRequestAddVia)
}

// newAckRequest собирает ACK для 2xx ответа на INVITE внутри диалога
func newAckRequest(inv *sip.Request, res *sip.Response) *sip.Request {
	recipient := inv.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = contact.Address
	}
	ack := sip.NewRequest(sip.ACK, recipient)
	ack.SipVersion = inv.SipVersion

	sip.CopyHeaders("Route", inv, ack)
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	if h := inv.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}
	ack.SetTransport(inv.Transport())
	ack.SetDestination(inv.Destination())
	return ack
}

// openMedia выделяет RTP сокет и создает медиа вызова
func (a *Agent) openMedia(id string) (*rtpMedia, error) {
	conn, err := a.ports.listen()
	if err != nil {
		return nil, err
	}
	if err := setDSCP(conn, a.cfg.DSCP); err != nil {
		a.logger.Debug("Agent.openMedia DSCP", slog.String("error", err.Error()))
	}
	return newRTPMedia(id, conn, a.cfg.JitterDepth, a.logger), nil
}

func (a *Agent) releaseMedia(m *rtpMedia) {
	port := m.localPort()
	m.close()
	a.ports.release(port)
}

func (a *Agent) track(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s.id] = s
}

func (a *Agent) forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, id)
}

func (a *Agent) lookup(id string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

// requestContext ограничивает внутридиалоговый запрос таймаутом конфигурации
func (a *Agent) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.RequestTimeout)
}

// trackedResponder закрывает decided после первого ответа приложения
type trackedResponder struct {
	inviteResponder
	decided chan struct{}
	once    sync.Once
}

func (r *trackedResponder) Respond(statusCode int, reason string, body []byte, headers ...sip.Header) error {
	err := r.inviteResponder.Respond(statusCode, reason, body, headers...)
	if statusCode >= 200 {
		r.once.Do(func() { close(r.decided) })
	}
	return err
}

// causeFromStatus сопоставляет код финального ответа причине завершения
func causeFromStatus(code int) string {
	switch code {
	case 486, 600:
		return "Busy"
	case 480, 410, 408:
		return "Unavailable"
	case 404, 604:
		return "Not Found"
	case 487:
		return "Canceled"
	case 603:
		return "Rejected"
	default:
		if code >= 300 && code < 400 {
			return "Redirected"
		}
		return "Rejected"
	}
}
