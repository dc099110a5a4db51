package audiomix

import (
	"sync"
	"sync/atomic"

	"github.com/arzzra/roomphone/pkg/callroom"
)

// Track аудио трек. Выключенный трек отдает тишину, источник при этом не читается.
type Track struct {
	id      string
	src     Source
	enabled atomic.Bool
}

var _ callroom.Track = (*Track)(nil)

// NewTrack создает включенный трек
func NewTrack(id string, src Source) *Track {
	if src == nil {
		src = silence{}
	}
	t := &Track{id: id, src: src}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string { return t.id }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// ReadFrame заполняет dst кадром tick
func (t *Track) ReadFrame(tick uint64, dst []int16) {
	if !t.enabled.Load() {
		clear(dst)
		return
	}
	t.src.ReadFrame(tick, dst)
}

// Stream набор треков, полученный захватом устройства
type Stream struct {
	id     string
	tracks []*Track

	stopOnce sync.Once
	stopped  atomic.Bool
	onStop   func()
}

var _ callroom.Stream = (*Stream)(nil)

// NewStream создает поток из треков
func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// AudioTracks возвращает треки потока
func (s *Stream) AudioTracks() []callroom.Track {
	out := make([]callroom.Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// Tracks возвращает треки потока с конкретным типом
func (s *Stream) Tracks() []*Track {
	return s.tracks
}

// Stop выключает треки и освобождает устройство
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		for _, t := range s.tracks {
			t.SetEnabled(false)
		}
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// Stopped сообщает, был ли поток остановлен
func (s *Stream) Stopped() bool {
	return s.stopped.Load()
}

// frameReader трек, из которого можно читать кадры
type frameReader interface {
	ReadFrame(tick uint64, dst []int16)
}

// AsReader приводит трек другого пакета к читателю кадров
func AsReader(track callroom.Track) (frameReader, bool) {
	r, ok := track.(frameReader)
	return r, ok
}
