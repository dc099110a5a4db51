package audiomix

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arzzra/roomphone/pkg/callroom"
)

// Output воспроизведение потока на виртуальном устройстве вывода
type Output struct {
	platform *Platform
	streamID string
	readers  []frameReader

	mu     sync.Mutex
	muted  bool
	sinkID string
	closed bool
	cancel context.CancelFunc

	acc   []int32
	buf   []int16
	frame []int16
}

var _ callroom.AudioOutput = (*Output)(nil)

func (o *Output) Muted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

func (o *Output) SetMuted(muted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.muted = muted
}

func (o *Output) SinkID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sinkID
}

// SetSinkID переключает устройство вывода
func (o *Output) SetSinkID(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.platform.Sink(deviceID) == nil {
		return newDeviceError(ErrorCodeDeviceNotFound, deviceID, "устройство вывода не найдено")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutputClosed
	}
	o.sinkID = deviceID
	o.platform.logger.Debug("Output.SetSinkID",
		slog.String("stream", o.streamID),
		slog.String("sink", deviceID))
	return nil
}

// Close останавливает воспроизведение. Повторный вызов безопасен.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if o.cancel != nil {
		o.cancel()
	}
	return nil
}

// deliver отдает кадр tick на текущее устройство. Заглушенный выход пишет тишину.
func (o *Output) deliver(tick uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	sink := o.platform.Sink(o.sinkID)
	if sink == nil {
		return
	}
	if o.muted {
		clear(o.frame)
		sink.Write(o.frame)
		return
	}

	clear(o.acc)
	for _, r := range o.readers {
		r.ReadFrame(tick, o.buf)
		mixInto(o.acc, o.buf)
	}
	clampInto(o.frame, o.acc)
	sink.Write(o.frame)
}
