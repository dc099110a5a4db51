package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/roomphone/pkg/callroom"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

var (
	// ErrNotEstablished операция требует установленного диалога
	ErrNotEstablished = errors.New("диалог не установлен")
	// ErrAlreadyAnswered вызов уже отвечен
	ErrAlreadyAnswered = errors.New("вызов уже отвечен")
	// ErrNotIncoming операция доступна только для входящих вызовов
	ErrNotIncoming = errors.New("операция доступна только для входящего вызова")
	// ErrTagToNotFound в диалоге нет тега to
	ErrTagToNotFound = errors.New("tag to not found")
	// ErrTagFromNotFound в диалоге нет тега from
	ErrTagFromNotFound = errors.New("tag from not found")
)

// dialogLeg внутридиалоговые операции sipgo диалога
// (*sipgo.DialogClientSession и *sipgo.DialogServerSession)
type dialogLeg interface {
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
	Bye(ctx context.Context) error
}

// inviteResponder ответ на входящий INVITE до установления диалога
type inviteResponder interface {
	Respond(statusCode int, reason string, body []byte, headers ...sip.Header) error
}

// Session SIP сессия одного вызова
type Session struct {
	agent     *Agent
	id        string
	direction callroom.Direction
	remote    sip.Uri
	logger    *slog.Logger

	status atomic.Int32
	held   atomic.Bool
	muted  atomic.Bool

	mu           sync.Mutex
	leg          dialogLeg
	responder    inviteResponder
	cancelInvite context.CancelFunc
	remoteTarget sip.Uri
	localTag     string
	remoteTag    string
	offer        remoteMedia
	sdpSession   uint64
	sdpVersion   uint64

	media *rtpMedia
	conn  *connection

	finishOnce sync.Once
}

var _ callroom.Session = (*Session)(nil)

func newSession(agent *Agent, id string, direction callroom.Direction, remote sip.Uri, media *rtpMedia) *Session {
	now := uint64(time.Now().Unix())
	s := &Session{
		agent:        agent,
		id:           id,
		direction:    direction,
		remote:       remote,
		remoteTarget: remote,
		logger:       agent.logger.With(slog.String("call_id", id)),
		media:        media,
		sdpSession:   now,
		sdpVersion:   now,
	}
	if media != nil {
		s.conn = &connection{media: media}
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Direction() callroom.Direction { return s.direction }

func (s *Session) Status() callroom.Status { return callroom.Status(s.status.Load()) }

func (s *Session) setStatus(st callroom.Status) { s.status.Store(int32(st)) }

// RemoteIdentity возвращает URI удаленной стороны
func (s *Session) RemoteIdentity() string {
	return s.remote.String()
}

func (s *Session) IsOnHold() bool { return s.held.Load() }

func (s *Session) IsMuted() bool { return s.muted.Load() }

// Mute заменяет исходящий звук тишиной
func (s *Session) Mute() {
	s.muted.Store(true)
	if s.media != nil {
		s.media.muted.Store(true)
	}
}

func (s *Session) Unmute() {
	s.muted.Store(false)
	if s.media != nil {
		s.media.muted.Store(false)
	}
}

// Connection возвращает медиа соединение
func (s *Session) Connection() callroom.MediaConnection {
	if s.conn == nil {
		return nil
	}
	return s.conn
}

// Hold ставит вызов на удержание (re-INVITE с a=sendonly)
func (s *Session) Hold(ctx context.Context) error {
	if s.held.Load() {
		return nil
	}
	s.setMediaHeld(true)
	if err := s.reinvite(ctx, dirSendOnly); err != nil {
		s.setMediaHeld(false)
		return err
	}
	s.held.Store(true)
	s.logger.Debug("Session.Hold")
	return nil
}

// Unhold снимает вызов с удержания (re-INVITE с a=sendrecv)
func (s *Session) Unhold(ctx context.Context) error {
	if !s.held.Load() {
		return nil
	}
	if err := s.reinvite(ctx, dirSendRecv); err != nil {
		return err
	}
	s.held.Store(false)
	s.setMediaHeld(false)
	s.logger.Debug("Session.Unhold")
	return nil
}

// setMediaHeld локальный звук не отправляется, пока вызов удерживается
func (s *Session) setMediaHeld(on bool) {
	if s.media != nil {
		s.media.setHeld(on)
	}
}

func (s *Session) reinvite(ctx context.Context, direction string) error {
	s.mu.Lock()
	leg := s.leg
	target := s.remoteTarget
	s.sdpVersion++
	offer := s.localOfferLocked(direction)
	s.mu.Unlock()

	if leg == nil || s.Status() != callroom.StatusConfirmed {
		return ErrNotEstablished
	}

	body, err := offer.marshal()
	if err != nil {
		return errors.Wrap(err, "failed to build SDP")
	}
	req := sip.NewRequest(sip.INVITE, target)
	req.SetBody(body)
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)

	ctx, cancel := s.agent.requestContext(ctx)
	defer cancel()

	res, err := leg.Do(ctx, req)
	if err != nil {
		return errors.Wrap(err, "re-INVITE failed")
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("re-INVITE отклонен: %d %s", res.StatusCode, res.Reason)
	}
	if err := s.agent.ack(req, res); err != nil {
		return errors.Wrap(err, "failed to send ACK")
	}

	if media, err := parseRemoteMedia(res.Body()); err == nil && s.media != nil {
		s.media.setRemote(media.addr)
	}
	return nil
}

// localOfferLocked собирает локальный SDP. Вызывается под s.mu.
func (s *Session) localOfferLocked(direction string) sdpOffer {
	port := 0
	if s.media != nil {
		port = s.media.localPort()
	}
	return sdpOffer{
		host:      s.agent.cfg.RTPHost,
		port:      port,
		direction: direction,
		sessionID: s.sdpSession,
		version:   s.sdpVersion,
	}
}

// Answer отвечает на входящий вызов 200 OK с SDP ответом
func (s *Session) Answer(ctx context.Context, opts callroom.CallOptions) error {
	if s.direction != callroom.DirectionIncoming {
		return ErrNotIncoming
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	responder := s.responder
	s.responder = nil
	offer := s.offer
	sdp := s.localOfferLocked(answerDirection(offer.direction, s.held.Load()))
	s.mu.Unlock()

	if responder == nil {
		return ErrAlreadyAnswered
	}

	body, err := sdp.marshal()
	if err != nil {
		return errors.Wrap(err, "failed to build SDP")
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	headers := append([]sip.Header{&contentType}, extraHeaders(opts.Headers)...)
	if err := responder.Respond(sip.StatusOK, "OK", body, headers...); err != nil {
		return errors.Wrap(err, "failed to send 200 OK")
	}

	s.setStatus(callroom.StatusWaitingForAck)
	if s.media != nil && offer.addr != nil {
		s.media.setSending(!offer.onHold())
		s.media.setRemote(offer.addr)
	}
	s.logger.Info("Session.Answer")
	return nil
}

// Terminate завершает сессию: отклоняет входящий, отменяет исходящий
// или отправляет BYE в установленном диалоге
func (s *Session) Terminate(ctx context.Context, opts callroom.TerminateOptions) error {
	status := s.Status()
	switch status {
	case callroom.StatusTerminated, callroom.StatusCanceled:
		return nil
	}

	s.mu.Lock()
	responder := s.responder
	s.responder = nil
	cancelInvite := s.cancelInvite
	leg := s.leg
	s.mu.Unlock()

	switch {
	case responder != nil:
		code := opts.StatusCode
		if code == 0 {
			code = 480
		}
		reason := opts.Reason
		if reason == "" {
			reason = defaultReason(code)
		}
		if err := responder.Respond(code, reason, nil); err != nil {
			return errors.Wrapf(err, "failed to respond %d", code)
		}
		s.setStatus(callroom.StatusTerminated)
		s.finish(callroom.EventFailed, callroom.SessionEvent{
			Originator: "local",
			StatusCode: code,
			Reason:     reason,
			Cause:      "Rejected",
		})

	case leg != nil && (status == callroom.StatusConfirmed || status == callroom.StatusWaitingForAck || status == callroom.StatusAnswered):
		ctx, cancel := s.agent.requestContext(ctx)
		defer cancel()
		s.setStatus(callroom.StatusTerminated)
		err := leg.Bye(ctx)
		s.finish(callroom.EventEnded, callroom.SessionEvent{Originator: "local", Cause: "Terminated"})
		if err != nil {
			return errors.Wrap(err, "failed to send BYE")
		}

	case cancelInvite != nil:
		// CANCEL отправляется при отмене контекста ожидания ответа
		s.setStatus(callroom.StatusCanceled)
		cancelInvite()

	default:
		s.setStatus(callroom.StatusTerminated)
		s.finish(callroom.EventEnded, callroom.SessionEvent{Originator: "local", Cause: "Terminated"})
	}
	s.logger.Info("Session.Terminate", slog.String("status", status.String()))
	return nil
}

// Refer переводит вызов на target. При opts.Replaces в Refer-To добавляется Replaces.
func (s *Session) Refer(ctx context.Context, target string, opts callroom.ReferOptions) error {
	var targetURI sip.Uri
	if err := sip.ParseUri(strings.Trim(target, "<>"), &targetURI); err != nil {
		return errors.Wrap(err, "failed to parse target URI")
	}

	s.mu.Lock()
	leg := s.leg
	remoteTarget := s.remoteTarget
	s.mu.Unlock()
	if leg == nil || s.Status() != callroom.StatusConfirmed {
		return ErrNotEstablished
	}

	var callID, toTag, fromTag string
	if other, ok := opts.Replaces.(*Session); ok && other != nil {
		other.mu.Lock()
		callID, toTag, fromTag = other.id, other.remoteTag, other.localTag
		other.mu.Unlock()
		if toTag == "" {
			return ErrTagToNotFound
		}
		if fromTag == "" {
			return ErrTagFromNotFound
		}
	}

	req := sip.NewRequest(sip.REFER, remoteTarget)
	req.AppendHeader(createReferToHeader(targetURI, callID, toTag, fromTag))
	req.AppendHeader(createReferByHeader(s.agent.self))

	ctx, cancel := s.agent.requestContext(ctx)
	defer cancel()

	res, err := leg.Do(ctx, req)
	if err != nil {
		return errors.Wrap(err, "REFER failed")
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("REFER отклонен: %d %s", res.StatusCode, res.Reason)
	}
	s.logger.Info("Session.Refer", slog.String("target", targetURI.String()), slog.Bool("replaces", callID != ""))
	return nil
}

// finish освобождает медиа и сообщает обработчику о завершении. Выполняется один раз.
func (s *Session) finish(kind callroom.EventKind, event callroom.SessionEvent) {
	s.finishOnce.Do(func() {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}
		if s.media != nil {
			s.agent.releaseMedia(s.media)
		}
		s.agent.forget(s.id)

		handler := s.agent.sessionHandler()
		if handler == nil {
			return
		}
		switch kind {
		case callroom.EventFailed:
			handler.OnFailed(s, event)
		default:
			handler.OnEnded(s, event)
		}
	})
}

// setDialogTags запоминает теги диалога для Replaces
func (s *Session) setDialogTags(local, remote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localTag = local
	s.remoteTag = remote
}

// createReferToHeader собирает Refer-To, с Replaces при наличии всех тегов
func createReferToHeader(target sip.Uri, callID, toTag, fromTag string) sip.Header {
	builder := strings.Builder{}
	builder.WriteByte('<')
	builder.WriteString(target.String())
	if callID != "" && toTag != "" && fromTag != "" {
		builder.WriteString("?Replaces=")
		builder.WriteString(callID)
		builder.WriteString("%3Bto-tag%3D")
		builder.WriteString(toTag)
		builder.WriteString("%3Bfrom-tag%3D")
		builder.WriteString(fromTag)
	}
	builder.WriteByte('>')
	return sip.NewHeader("Refer-To", builder.String())
}

func createReferByHeader(contact sip.Uri) sip.Header {
	return sip.NewHeader("Referred-By", "<"+contact.String()+">")
}

// extraHeaders переводит дополнительные заголовки в sip.Header
func extraHeaders(headers map[string]string) []sip.Header {
	out := make([]sip.Header, 0, len(headers))
	for name, value := range headers {
		out = append(out, sip.NewHeader(name, value))
	}
	return out
}

func defaultReason(code int) string {
	switch code {
	case 486:
		return "Busy Here"
	case 480:
		return "Temporarily Unavailable"
	case 603:
		return "Decline"
	case sip.StatusRequestTerminated:
		return "Request Terminated"
	default:
		return "Rejected"
	}
}
