package callroom

import (
	"log/slog"
	"time"
)

// room запись реестра комнат
type room struct {
	id      RoomID
	started time.Time

	// generation увеличивается при каждой реконсиляции комнаты
	generation uint64

	// graph - граф конференции, собранный последней реконсиляцией
	graph AudioGraph
}

// roomRegistry реестр комнат и указатель активной комнаты
type roomRegistry struct {
	rooms  map[RoomID]*room
	active RoomID
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{rooms: make(map[RoomID]*room)}
}

// allocate возвращает max(существующие) + 1, либо 1 для пустого реестра.
// Пропуски в нумерации не переиспользуются.
func (r *roomRegistry) allocate() RoomID {
	var maxID RoomID
	for id := range r.rooms {
		if id > maxID {
			maxID = id
		}
	}
	return maxID + 1
}

// ensure создает комнату, если ее еще нет
func (r *roomRegistry) ensure(id RoomID, now time.Time) *room {
	if rm, ok := r.rooms[id]; ok {
		return rm
	}
	rm := &room{id: id, started: now}
	r.rooms[id] = rm
	return rm
}

func (r *roomRegistry) get(id RoomID) (*room, bool) {
	rm, ok := r.rooms[id]
	return rm, ok
}

func (r *roomRegistry) exists(id RoomID) bool {
	_, ok := r.rooms[id]
	return ok
}

// delete удаляет комнату и сбрасывает указатель, если комната была активной.
// Возвращает граф комнаты для освобождения вне блокировки.
func (r *roomRegistry) delete(id RoomID) AudioGraph {
	rm, ok := r.rooms[id]
	if !ok {
		return nil
	}
	delete(r.rooms, id)
	if r.active == id {
		r.active = 0
	}
	return rm.graph
}

// setActive меняет указатель; возвращает предыдущее значение и признак изменения
func (r *roomRegistry) setActive(id RoomID) (RoomID, bool) {
	old := r.active
	if old == id {
		return old, false
	}
	r.active = id
	return old, true
}

func (r *roomRegistry) len() int {
	return len(r.rooms)
}

func (r *roomRegistry) infos() map[RoomID]RoomInfo {
	infos := make(map[RoomID]RoomInfo, len(r.rooms))
	for id, rm := range r.rooms {
		infos[id] = RoomInfo{ID: id, Started: rm.started}
	}
	return infos
}

// deleteRoomIfEmptyLocked удаляет комнату без участников.
// Вызывается под p.mu; возвращенный граф закрывается вызывающим вне блокировки.
func (p *Phone) deleteRoomIfEmptyLocked(id RoomID) (AudioGraph, bool) {
	if id == 0 || !p.rooms.exists(id) {
		return nil, false
	}
	if len(p.calls.inRoom(id)) > 0 {
		return nil, false
	}
	graph := p.rooms.delete(id)
	p.metrics.observeRegistry(p.calls.len(), p.rooms.len())
	p.logger.Debug("Phone.deleteRoom", slog.Int("room", int(id)))
	return graph, true
}

// deleteRoomIfEmpty удаляет комнату без участников и освобождает ее граф
func (p *Phone) deleteRoomIfEmpty(id RoomID) bool {
	p.mu.Lock()
	graph, deleted := p.deleteRoomIfEmptyLocked(id)
	p.mu.Unlock()

	closeGraph(p.logger, graph)
	if deleted {
		p.publish()
	}
	return deleted
}

func closeGraph(logger *slog.Logger, graph AudioGraph) {
	if graph == nil {
		return
	}
	if err := graph.Close(); err != nil {
		logger.Warn("AudioGraph.Close", slog.String("error", err.Error()))
	}
}
