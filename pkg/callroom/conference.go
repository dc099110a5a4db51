package callroom

import (
	"context"
	"log/slog"
)

// conference собирает для каждого участника комнаты отдельный микс
// входящего аудио всех остальных участников и подставляет его как исходящий трек.
// Для активной комнаты в каждый микс добавляется локальный микрофон.
//
// Каждый вызов строит новый граф; граф предыдущей реконсиляции закрывается
// после подстановки всех миксов.
func (p *Phone) conference(ctx context.Context, plan reconcilePlan) {
	for _, c := range plan.members {
		p.unhold(ctx, c)
	}

	incoming := make([][]Track, len(plan.members))
	for i, c := range plan.members {
		incoming[i] = incomingTracks(c.session)
	}

	graph := p.platform.NewAudioGraph()
	for i, c := range plan.members {
		dest := graph.NewDestination()

		own := make(map[string]struct{}, len(incoming[i]))
		for _, t := range incoming[i] {
			own[t.ID()] = struct{}{}
		}
		for j, tracks := range incoming {
			if j == i {
				continue
			}
			for _, t := range tracks {
				if _, self := own[t.ID()]; self {
					continue
				}
				if err := dest.Connect(t); err != nil {
					p.metrics.mediaFailures.WithLabelValues("mix_connect").Inc()
					p.logger.Warn("Phone.conference: подключение трека",
						slog.String("call", c.id),
						slog.String("track", t.ID()),
						slog.String("error", err.Error()))
				}
			}
		}

		var mic Stream
		if plan.active {
			mic = p.acquire(ctx, plan.constraints, c.id)
			if mic != nil {
				for _, t := range mic.AudioTracks() {
					t.SetEnabled(!plan.muted)
					if err := dest.Connect(t); err != nil {
						p.logger.Warn("Phone.conference: подключение микрофона",
							slog.String("call", c.id),
							slog.String("error", err.Error()))
					}
				}
			}
		}

		mixed := dest.Output()
		mixed.SetEnabled(!plan.muted)

		sender := firstSender(c.session)
		switch {
		case sender == nil:
			p.logger.Debug("Phone.conference: нет отправителя", slog.String("call", c.id))
			stopStream(mic)
			continue
		case p.stale(plan):
			p.metrics.staleReplacements.Inc()
			stopStream(mic)
			closeGraph(p.logger, graph)
			return
		}

		if p.replaceOutgoing(ctx, plan, c, sender, mixed, mic) {
			p.logger.Debug("Phone.conference: микс подставлен",
				slog.String("call", c.id),
				slog.Int("sources", connectedSources(incoming, i, mic)))
		}
		p.applyMutePolicy(ctx, c)
	}

	p.swapRoomGraph(plan, graph)
}

func incomingTracks(session Session) []Track {
	conn := session.Connection()
	if conn == nil {
		return nil
	}
	var tracks []Track
	for _, r := range conn.Receivers() {
		if t := r.Track(); t != nil {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

func connectedSources(incoming [][]Track, self int, mic Stream) int {
	n := 0
	for j, tracks := range incoming {
		if j != self {
			n += len(tracks)
		}
	}
	if mic != nil {
		n += len(mic.AudioTracks())
	}
	return n
}

func stopStream(stream Stream) {
	if stream != nil {
		stream.Stop()
	}
}
