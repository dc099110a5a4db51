package callroom

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler обработчик события жизненного цикла вызова.
// Получает сессию и данные события без изменений.
type Handler func(session Session, event SessionEvent)

// listenerTable упорядоченные списки обработчиков по типу события
type listenerTable struct {
	mu       sync.RWMutex
	handlers map[EventKind][]Handler
}

func newListenerTable() *listenerTable {
	return &listenerTable{handlers: make(map[EventKind][]Handler)}
}

// subscribe добавляет обработчик в конец списка. Повторная подписка того же
// обработчика приводит к повторному вызову.
func (t *listenerTable) subscribe(kind EventKind, handler Handler) {
	if handler == nil {
		return
	}
	t.mu.Lock()
	t.handlers[kind] = append(t.handlers[kind], handler)
	t.mu.Unlock()
}

// unsubscribe удаляет все обработчики типа
func (t *listenerTable) unsubscribe(kind EventKind) {
	t.mu.Lock()
	delete(t.handlers, kind)
	t.mu.Unlock()
}

func (t *listenerTable) count(kind EventKind) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers[kind])
}

func (t *listenerTable) snapshot(kind EventKind) []Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := t.handlers[kind]
	if len(list) == 0 {
		return nil
	}
	out := make([]Handler, len(list))
	copy(out, list)
	return out
}

// dispatch вызывает обработчики в порядке подписки.
// Паника обработчика перехватывается и не мешает остальным.
func (p *Phone) dispatch(kind EventKind, session Session, event SessionEvent) {
	for i, handler := range p.listeners.snapshot(kind) {
		p.invoke(kind, i, handler, session, event)
	}
}

func (p *Phone) invoke(kind EventKind, index int, handler Handler, session Session, event SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.listenerPanics.WithLabelValues(kind.String()).Inc()
			p.logger.Error("Phone.dispatch: паника обработчика",
				slog.String("event", kind.String()),
				slog.Int("index", index),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	handler(session, event)
}

// Subscribe добавляет обработчик события
func (p *Phone) Subscribe(kind EventKind, handler Handler) {
	p.listeners.subscribe(kind, handler)
	p.logger.Debug("Phone.Subscribe", slog.String("event", kind.String()))
}

// Unsubscribe удаляет все обработчики события
func (p *Phone) Unsubscribe(kind EventKind) {
	p.listeners.unsubscribe(kind)
	p.logger.Debug("Phone.Unsubscribe", slog.String("event", kind.String()))
}

// Observe регистрирует наблюдателя публичного состояния.
// Наблюдатель вызывается после каждого изменения; возвращенная функция отменяет подписку.
func (p *Phone) Observe(fn func(State)) (cancel func()) {
	p.observersMu.Lock()
	p.observerSeq++
	id := p.observerSeq
	p.observers[id] = fn
	p.observersMu.Unlock()

	return func() {
		p.observersMu.Lock()
		delete(p.observers, id)
		p.observersMu.Unlock()
	}
}

// publish рассылает снимок состояния наблюдателям
func (p *Phone) publish() {
	p.observersMu.Lock()
	if len(p.observers) == 0 {
		p.observersMu.Unlock()
		return
	}
	fns := make([]func(State), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.observersMu.Unlock()

	state := p.Snapshot()
	for _, fn := range fns {
		fn(state)
	}
}
