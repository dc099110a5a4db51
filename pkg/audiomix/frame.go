package audiomix

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	// SampleRate частота дискретизации, Гц
	SampleRate = 8000
	// FrameDuration длительность одного кадра
	FrameDuration = 20 * time.Millisecond
	// FrameSamples количество отсчетов в кадре
	FrameSamples = SampleRate / 50
)

// epoch общая точка отсчета номеров кадров
var epoch = time.Now()

// CurrentTick возвращает номер текущего 20 мс кадра
func CurrentTick() uint64 {
	return uint64(time.Since(epoch) / FrameDuration)
}

// Source источник PCM кадров.
// ReadFrame заполняет dst (len = FrameSamples) кадром с номером tick.
type Source interface {
	ReadFrame(tick uint64, dst []int16)
}

// silence источник тишины
type silence struct{}

func (silence) ReadFrame(_ uint64, dst []int16) {
	clear(dst)
}

// tone синусоидальный источник. Фаза определяется номером кадра,
// поэтому несколько потребителей получают одинаковый сигнал.
type tone struct {
	frequency float64
	amplitude float64
}

func (t tone) ReadFrame(tick uint64, dst []int16) {
	base := float64(tick) * FrameSamples
	for i := range dst {
		phase := 2 * math.Pi * t.frequency * (base + float64(i)) / SampleRate
		dst[i] = int16(t.amplitude * math.Sin(phase))
	}
}

// BufferSource источник, наполняемый извне (например, декодированным RTP).
// Кадр извлекается из очереди один раз на номер кадра и кэшируется,
// поэтому все потребители одного tick получают один и тот же кадр.
type BufferSource struct {
	mu       sync.Mutex
	queue    [][]int16
	capacity int
	lastTick uint64
	cached   []int16
	hasCache bool
	dropped  uint64
}

// NewBufferSource создает буфер на capacity кадров
func NewBufferSource(capacity int) *BufferSource {
	if capacity <= 0 {
		capacity = 8
	}
	return &BufferSource{capacity: capacity, cached: make([]int16, FrameSamples)}
}

// Write помещает кадр в очередь. При переполнении отбрасывается самый старый кадр.
func (b *BufferSource) Write(frame []int16) {
	cp := make([]int16, FrameSamples)
	copy(cp, frame)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.capacity {
		b.queue = b.queue[1:]
		b.dropped++
	}
	b.queue = append(b.queue, cp)
}

func (b *BufferSource) ReadFrame(tick uint64, dst []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hasCache || tick != b.lastTick {
		b.lastTick = tick
		b.hasCache = true
		if len(b.queue) > 0 {
			copy(b.cached, b.queue[0])
			b.queue = b.queue[1:]
		} else {
			clear(b.cached)
		}
	}
	copy(dst, b.cached)
}

// Dropped возвращает число кадров, отброшенных при переполнении
func (b *BufferSource) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// mixInto прибавляет src к acc
func mixInto(acc []int32, src []int16) {
	for i, s := range src {
		acc[i] += int32(s)
	}
}

// clampInto переносит сумму в dst с ограничением диапазона int16
func clampInto(dst []int16, acc []int32) {
	for i, v := range acc {
		switch {
		case v > math.MaxInt16:
			dst[i] = math.MaxInt16
		case v < math.MinInt16:
			dst[i] = math.MinInt16
		default:
			dst[i] = int16(v)
		}
	}
}

// Every вызывает fn с номером кадра каждые FrameDuration до отмены ctx
func Every(ctx context.Context, fn func(tick uint64)) {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(CurrentTick())
		}
	}
}
