package callroom

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/looplab/fsm"
)

// transition аргумент события автомата вызова.
// Коллбеки входа в состояния изменяют реестры и записывают сюда работу,
// которую Phone выполняет после снятия блокировки.
type transition struct {
	session Session
	event   SessionEvent

	// activate - комната, которую нужно сделать активной
	activate RoomID

	// reconcile - комнаты, требующие реконсиляции
	reconcile []RoomID

	// removed - удаленный вызов, ресурсы которого нужно освободить
	removed *call
}

// callLifecycle конечный автомат одного вызова
type callLifecycle struct {
	id  string
	fsm *fsm.FSM
	p   *Phone
}

func formEventName(src, dst CallState) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

/*
Автомат жизненного цикла вызова.

События формируются через formEventName(src, dst): "Created_to_Confirmed".

Коллбеки:
  - after_event:       метрика перехода и запись состояния в реестр
  - enter_Created:     регистрация вызова и выделение новой комнаты
  - enter_Progressing: обновление представления
  - enter_Confirmed:   отметка подтверждения
  - enter_Ended:       удаление вызова из реестра
  - enter_Failed:      удаление вызова из реестра

Диаграмма переходов:
[New] → [Created] → [Progressing] → [Confirmed] → [Ended]
[Created] → [Confirmed]
[Created] | [Progressing] | [Confirmed] → [Ended] | [Failed]
*/
func newCallLifecycle(p *Phone, id string) *callLifecycle {
	lc := &callLifecycle{id: id, p: p}

	active := []CallState{CallStateCreated, CallStateProgressing, CallStateConfirmed}
	events := fsm.Events{
		{Name: formEventName(CallStateNew, CallStateCreated), Src: []string{string(CallStateNew)}, Dst: string(CallStateCreated)},
		{Name: formEventName(CallStateCreated, CallStateProgressing), Src: []string{string(CallStateCreated)}, Dst: string(CallStateProgressing)},
		{Name: formEventName(CallStateCreated, CallStateConfirmed), Src: []string{string(CallStateCreated)}, Dst: string(CallStateConfirmed)},
		{Name: formEventName(CallStateProgressing, CallStateConfirmed), Src: []string{string(CallStateProgressing)}, Dst: string(CallStateConfirmed)},
	}
	for _, src := range active {
		events = append(events,
			fsm.EventDesc{Name: formEventName(src, CallStateEnded), Src: []string{string(src)}, Dst: string(CallStateEnded)},
			fsm.EventDesc{Name: formEventName(src, CallStateFailed), Src: []string{string(src)}, Dst: string(CallStateFailed)},
		)
	}

	lc.fsm = fsm.NewFSM(
		string(CallStateNew),
		events,
		fsm.Callbacks{
			"after_event":                           lc.afterStateChange,
			"enter_" + string(CallStateCreated):     lc.enterCreated,
			"enter_" + string(CallStateProgressing): lc.enterProgressing,
			"enter_" + string(CallStateConfirmed):   lc.enterConfirmed,
			"enter_" + string(CallStateEnded):       lc.enterTerminal,
			"enter_" + string(CallStateFailed):      lc.enterTerminal,
		},
	)
	return lc
}

func (lc *callLifecycle) current() CallState {
	return CallState(lc.fsm.Current())
}

// setState выполняет переход в dst. Вызывается под p.mu.
// Недопустимые и повторные переходы игнорируются.
func (lc *callLifecycle) setState(dst CallState, tr *transition) bool {
	err := lc.fsm.Event(context.TODO(), formEventName(lc.current(), dst), tr)
	if err == nil {
		return true
	}

	var noTransition fsm.NoTransitionError
	var unknown fsm.UnknownEventError
	var invalid fsm.InvalidEventError
	switch {
	case errors.As(err, &noTransition), errors.As(err, &unknown), errors.As(err, &invalid):
		lc.p.logger.Debug("callLifecycle.setState: переход пропущен",
			slog.String("call", lc.id),
			slog.String("from", string(lc.current())),
			slog.String("to", string(dst)))
	default:
		lc.p.logger.Warn("callLifecycle.setState",
			slog.String("call", lc.id),
			slog.String("to", string(dst)),
			slog.String("error", err.Error()))
	}
	return false
}

func transitionArg(e *fsm.Event) *transition {
	if len(e.Args) == 0 {
		return nil
	}
	tr, _ := e.Args[0].(*transition)
	return tr
}

func (lc *callLifecycle) afterStateChange(_ context.Context, e *fsm.Event) {
	lc.p.metrics.stateTransitions.WithLabelValues(e.Src, e.Dst).Inc()
	if c, ok := lc.p.calls.get(lc.id); ok {
		c.state = CallState(e.Dst)
	}
}

// enterCreated регистрирует вызов в новой комнате
func (lc *callLifecycle) enterCreated(_ context.Context, e *fsm.Event) {
	tr := transitionArg(e)
	if tr == nil || tr.session == nil {
		return
	}
	p := lc.p

	c := &call{
		id:         lc.id,
		session:    tr.session,
		direction:  tr.session.Direction(),
		state:      CallStateCreated,
		startTime:  time.Now(),
		audioMuted: p.muted,
	}
	if !p.calls.add(c) {
		return
	}

	roomID := p.rooms.allocate()
	c.roomID = roomID
	p.rooms.ensure(roomID, c.startTime)

	p.metrics.callsTotal.WithLabelValues(string(c.direction)).Inc()
	p.metrics.observeRegistry(p.calls.len(), p.rooms.len())
	p.logger.Debug("Phone.addCall",
		slog.String("call", c.id),
		slog.String("direction", string(c.direction)),
		slog.Int("room", int(roomID)))

	tr.activate = roomID
}

func (lc *callLifecycle) enterProgressing(_ context.Context, e *fsm.Event) {
	lc.p.logger.Debug("Phone.callProgress", slog.String("call", lc.id))
}

func (lc *callLifecycle) enterConfirmed(_ context.Context, e *fsm.Event) {
	if c, ok := lc.p.calls.get(lc.id); ok {
		c.confirmed = true
	}
}

// enterTerminal удаляет вызов из реестра и планирует реконсиляцию его комнаты
func (lc *callLifecycle) enterTerminal(_ context.Context, e *fsm.Event) {
	p := lc.p
	c, ok := p.calls.remove(lc.id)
	delete(p.lifecycles, lc.id)
	if !ok {
		return
	}

	c.endTime = time.Now()
	c.state = CallState(e.Dst)
	if tr := transitionArg(e); tr != nil {
		c.cancelReason = tr.event.Cause
		tr.removed = c
		tr.reconcile = append(tr.reconcile, c.roomID)
	}

	p.metrics.observeRegistry(p.calls.len(), p.rooms.len())
	p.logger.Debug("Phone.removeCall",
		slog.String("call", c.id),
		slog.String("state", e.Dst),
		slog.Int("room", int(c.roomID)))
}
