package callroom

import (
	"sort"
	"time"
)

// call запись реестра вызовов. Доступ только под Phone.mu.
type call struct {
	id        string
	session   Session
	direction Direction
	roomID    RoomID
	seq       uint64
	state     CallState

	// muteOverride - индивидуальное отключение микрофона для вызова
	muteOverride bool

	// audioMuted - последнее примененное эффективное состояние mute
	audioMuted bool

	// outgoing - исходящий трек и захваченный под него микрофон
	outgoing    outgoingRoute
	output      AudioOutput
	remoteBound bool

	startTime    time.Time
	endTime      time.Time
	confirmed    bool
	cancelReason string
}

// pendingView поля вызова, скопированные под Phone.mu. Обращения к сессии
// и выходу выполняет build уже без блокировки.
type pendingView struct {
	view    CallView
	session Session
	output  AudioOutput
}

func (c *call) pending() pendingView {
	return pendingView{
		view: CallView{
			ID:           c.id,
			RoomID:       c.roomID,
			Direction:    c.direction,
			State:        c.state,
			AudioMuted:   c.audioMuted,
			IsConfirmed:  c.confirmed,
			CancelReason: c.cancelReason,
			StartTime:    c.startTime,
			EndTime:      c.endTime,
		},
		session: c.session,
		output:  c.output,
	}
}

func (v pendingView) build() CallView {
	out := v.view
	out.RemoteIdentity = v.session.RemoteIdentity()
	out.Status = v.session.Status()
	out.LocalHold = v.session.IsOnHold()
	if v.output != nil {
		out.OutputMuted = v.output.Muted()
	}
	return out
}

// view собирает представление целиком; вызывается без Phone.mu
func (c *call) view() CallView {
	return c.pending().build()
}

// callRegistry реестр вызовов: идентификатор -> вызов.
// Идентификатор удаленного вызова повторно не принимается.
type callRegistry struct {
	calls   map[string]*call
	retired map[string]struct{}
	seq     uint64
}

func newCallRegistry() *callRegistry {
	return &callRegistry{
		calls:   make(map[string]*call),
		retired: make(map[string]struct{}),
	}
}

// add добавляет вызов. Возвращает false, если идентификатор уже известен.
func (r *callRegistry) add(c *call) bool {
	if _, ok := r.calls[c.id]; ok {
		return false
	}
	if _, ok := r.retired[c.id]; ok {
		return false
	}
	r.seq++
	c.seq = r.seq
	r.calls[c.id] = c
	return true
}

func (r *callRegistry) get(id string) (*call, bool) {
	c, ok := r.calls[id]
	return c, ok
}

// remove удаляет вызов и запоминает его идентификатор
func (r *callRegistry) remove(id string) (*call, bool) {
	c, ok := r.calls[id]
	if !ok {
		return nil, false
	}
	delete(r.calls, id)
	r.retired[id] = struct{}{}
	return c, true
}

func (r *callRegistry) known(id string) bool {
	if _, ok := r.calls[id]; ok {
		return true
	}
	_, ok := r.retired[id]
	return ok
}

// inRoom возвращает участников комнаты в порядке добавления
func (r *callRegistry) inRoom(roomID RoomID) []*call {
	var members []*call
	for _, c := range r.calls {
		if c.roomID == roomID {
			members = append(members, c)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	return members
}

// all возвращает все вызовы в порядке добавления
func (r *callRegistry) all() []*call {
	list := make([]*call, 0, len(r.calls))
	for _, c := range r.calls {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

func (r *callRegistry) len() int {
	return len(r.calls)
}

func (r *callRegistry) pendingViews() []pendingView {
	views := make([]pendingView, 0, len(r.calls))
	for _, c := range r.calls {
		views = append(views, c.pending())
	}
	return views
}
