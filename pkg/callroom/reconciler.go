package callroom

import (
	"context"
	"log/slog"
)

// reconcilePlan снимок комнаты, сделанный под блокировкой в начале реконсиляции
type reconcilePlan struct {
	roomID      RoomID
	generation  uint64
	active      bool
	muted       bool
	constraints Constraints
	members     []*call
}

// outgoingRoute текущий исходящий трек вызова и ресурсы, которыми он владеет
type outgoingRoute struct {
	generation uint64
	track      Track
	stream     Stream
}

// reconcileRoom пересчитывает маршрутизацию аудио для всех участников комнаты.
//
// Порядок:
//  1. выход каждого участника заглушается, если комната не активна
//  2. 0 участников - комната удаляется
//  3. 1 участник, комната не активна - вызов ставится на удержание,
//     исходящий трек снимается, граф комнаты закрывается
//  4. 1 участник, комната активна - снятие удержания, захват микрофона,
//     замена исходящего трека, политика mute
//  5. 2 и более участников - конференция
func (p *Phone) reconcileRoom(ctx context.Context, roomID RoomID) {
	if roomID == 0 {
		return
	}

	p.mu.Lock()
	rm, ok := p.rooms.get(roomID)
	if !ok {
		p.mu.Unlock()
		return
	}
	members := p.calls.inRoom(roomID)
	if len(members) == 0 {
		graph, _ := p.deleteRoomIfEmptyLocked(roomID)
		p.mu.Unlock()

		closeGraph(p.logger, graph)
		p.metrics.reconciliations.WithLabelValues(modeDeleted).Inc()
		p.publish()
		return
	}

	p.generation++
	rm.generation = p.generation
	plan := reconcilePlan{
		roomID:      roomID,
		generation:  rm.generation,
		active:      p.rooms.active == roomID,
		muted:       p.muted,
		constraints: p.constraintsLocked(),
		members:     members,
	}
	p.mu.Unlock()

	p.logger.Debug("Phone.reconcileRoom",
		slog.Int("room", int(roomID)),
		slog.Int("members", len(plan.members)),
		slog.Bool("active", plan.active),
		slog.Uint64("generation", plan.generation))

	for _, c := range plan.members {
		p.setOutputMuted(c, !plan.active)
	}

	switch {
	case len(plan.members) == 1 && !plan.active:
		p.metrics.reconciliations.WithLabelValues(modeHeld).Inc()
		p.holdSingle(ctx, plan, plan.members[0])
	case len(plan.members) == 1:
		p.metrics.reconciliations.WithLabelValues(modeActive).Inc()
		p.routeSingle(ctx, plan, plan.members[0])
	default:
		p.metrics.reconciliations.WithLabelValues(modeConference).Inc()
		p.conference(ctx, plan)
	}

	p.publish()
}

// holdSingle ставит единственного участника неактивной комнаты на удержание.
// Локальный звук (микрофон или микс прежней конференции) вызову не отправляется.
func (p *Phone) holdSingle(ctx context.Context, plan reconcilePlan, c *call) {
	p.hold(ctx, c)
	p.detachOutgoing(ctx, plan, c)
	p.swapRoomGraph(plan, nil)
}

// detachOutgoing снимает исходящий трек вызова и останавливает захваченный под него поток
func (p *Phone) detachOutgoing(ctx context.Context, plan reconcilePlan, c *call) {
	if p.stale(plan) {
		p.metrics.staleReplacements.Inc()
		return
	}

	p.mu.Lock()
	current := c.outgoing
	if current.generation > plan.generation {
		p.mu.Unlock()
		return
	}
	c.outgoing = outgoingRoute{generation: plan.generation}
	p.mu.Unlock()

	if sender := firstSender(c.session); sender != nil && sender.Track() != nil {
		opCtx, cancel := p.opContext(ctx)
		if err := sender.ReplaceTrack(opCtx, nil); err != nil {
			p.metrics.mediaFailures.WithLabelValues("replace_track").Inc()
			p.logger.Warn("Phone.detachOutgoing",
				slog.String("call", c.id),
				slog.String("error", err.Error()))
		}
		cancel()
	}
	if current.stream != nil {
		current.stream.Stop()
	}
}

// routeSingle направляет локальный микрофон единственному участнику активной комнаты
func (p *Phone) routeSingle(ctx context.Context, plan reconcilePlan, c *call) {
	p.unhold(ctx, c)

	stream := p.acquire(ctx, plan.constraints, c.id)
	if stream != nil {
		tracks := stream.AudioTracks()
		for _, t := range tracks {
			t.SetEnabled(!plan.muted)
		}

		switch sender := firstSender(c.session); {
		case sender == nil || len(tracks) == 0:
			p.logger.Debug("Phone.routeSingle: нет отправителя или трека", slog.String("call", c.id))
			stream.Stop()
		case p.stale(plan):
			p.metrics.staleReplacements.Inc()
			stream.Stop()
		default:
			p.replaceOutgoing(ctx, plan, c, sender, tracks[0], stream)
		}
	}

	p.setOutputMuted(c, false)
	p.applyMutePolicy(ctx, c)

	p.swapRoomGraph(plan, nil)
}

// replaceOutgoing подменяет исходящий трек вызова и закрепляет маршрут за поколением.
// Если пока шла замена, вызов получил маршрут более новой реконсиляции,
// ее трек восстанавливается, а ресурсы текущей замены освобождаются.
func (p *Phone) replaceOutgoing(ctx context.Context, plan reconcilePlan, c *call, sender Sender, track Track, stream Stream) bool {
	opCtx, cancel := p.opContext(ctx)
	err := sender.ReplaceTrack(opCtx, track)
	cancel()
	if err != nil {
		p.metrics.mediaFailures.WithLabelValues("replace_track").Inc()
		p.logger.Warn("Phone.replaceOutgoing",
			slog.String("call", c.id),
			slog.String("error", err.Error()))
		if stream != nil {
			stream.Stop()
		}
		return false
	}

	p.mu.Lock()
	current := c.outgoing
	adopt := current.generation <= plan.generation
	if adopt {
		c.outgoing = outgoingRoute{generation: plan.generation, track: track, stream: stream}
	}
	p.mu.Unlock()

	if !adopt {
		p.metrics.staleReplacements.Inc()
		if stream != nil {
			stream.Stop()
		}
		if current.track != nil {
			restoreCtx, restoreCancel := p.opContext(ctx)
			if err := sender.ReplaceTrack(restoreCtx, current.track); err != nil {
				p.logger.Warn("Phone.replaceOutgoing: восстановление трека",
					slog.String("call", c.id),
					slog.String("error", err.Error()))
			}
			restoreCancel()
		}
		return false
	}

	if current.stream != nil && current.stream != stream {
		current.stream.Stop()
	}
	return true
}

// applyMutePolicy применяет эффективный mute (глобальный или индивидуальный)
// к исходящим трекам и сессии, затем выставляет mute выхода по удержанию и активности.
func (p *Phone) applyMutePolicy(ctx context.Context, c *call) {
	p.mu.Lock()
	if _, ok := p.calls.get(c.id); !ok {
		p.mu.Unlock()
		return
	}
	effective := p.muted || c.muteOverride
	active := p.rooms.active == c.roomID
	local := c.outgoing.stream
	c.audioMuted = effective
	p.mu.Unlock()

	if conn := c.session.Connection(); conn != nil {
		for _, sender := range conn.Senders() {
			if t := sender.Track(); t != nil {
				t.SetEnabled(!effective)
			}
		}
	}
	if local != nil {
		for _, t := range local.AudioTracks() {
			t.SetEnabled(!effective)
		}
	}

	switch {
	case effective && !c.session.IsMuted():
		c.session.Mute()
	case !effective && c.session.IsMuted():
		c.session.Unmute()
	}

	p.setOutputMuted(c, !active || c.session.IsOnHold())
}

func (p *Phone) setOutputMuted(c *call, muted bool) {
	p.mu.Lock()
	output := c.output
	p.mu.Unlock()

	if output != nil {
		output.SetMuted(muted)
	}
}

func (p *Phone) hold(ctx context.Context, c *call) {
	if c.session.IsOnHold() {
		return
	}
	opCtx, cancel := p.opContext(ctx)
	defer cancel()
	if err := c.session.Hold(opCtx); err != nil {
		p.logger.Warn("Phone.hold", slog.String("call", c.id), slog.String("error", err.Error()))
	}
}

func (p *Phone) unhold(ctx context.Context, c *call) {
	if !c.session.IsOnHold() {
		return
	}
	opCtx, cancel := p.opContext(ctx)
	defer cancel()
	if err := c.session.Unhold(opCtx); err != nil {
		p.logger.Warn("Phone.unhold", slog.String("call", c.id), slog.String("error", err.Error()))
	}
}

// acquire захватывает локальное аудио. Ошибка логируется, возвращается nil.
func (p *Phone) acquire(ctx context.Context, constraints Constraints, callID string) Stream {
	opCtx, cancel := p.opContext(ctx)
	defer cancel()

	stream, err := p.platform.GetUserMedia(opCtx, constraints)
	if err != nil {
		p.metrics.mediaFailures.WithLabelValues("get_user_media").Inc()
		p.logger.Warn("Phone.acquire",
			slog.String("call", callID),
			slog.String("device", constraints.AudioDeviceID),
			slog.String("error", wrapError(ErrorCodeMediaAcquisition, err, "захват %q", constraints.AudioDeviceID).Error()))
		return nil
	}
	return stream
}

// stale сообщает, что комнату уже реконсилирует более новый проход или она удалена
func (p *Phone) stale(plan reconcilePlan) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rm, ok := p.rooms.get(plan.roomID)
	return !ok || rm.generation != plan.generation
}

// swapRoomGraph заменяет граф комнаты, если поколение актуально;
// иначе закрывает переданный граф
func (p *Phone) swapRoomGraph(plan reconcilePlan, graph AudioGraph) {
	p.mu.Lock()
	rm, ok := p.rooms.get(plan.roomID)
	if !ok || rm.generation != plan.generation {
		p.mu.Unlock()
		closeGraph(p.logger, graph)
		return
	}
	old := rm.graph
	rm.graph = graph
	p.mu.Unlock()

	if old != graph {
		closeGraph(p.logger, old)
	}
}

func firstSender(session Session) Sender {
	conn := session.Connection()
	if conn == nil {
		return nil
	}
	senders := conn.Senders()
	if len(senders) == 0 {
		return nil
	}
	return senders[0]
}

func (p *Phone) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.OperationTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.OperationTimeout)
	}
	return context.WithCancel(ctx)
}
