package audiomix

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/roomphone/pkg/callroom"
)

// InputDevice описание виртуального устройства ввода.
// ToneHz == 0 означает источник тишины.
type InputDevice struct {
	ID        string  `mapstructure:"id"`
	Label     string  `mapstructure:"label"`
	ToneHz    float64 `mapstructure:"tone_hz"`
	Amplitude float64 `mapstructure:"amplitude"`
}

// OutputDevice описание виртуального устройства вывода
type OutputDevice struct {
	ID    string `mapstructure:"id"`
	Label string `mapstructure:"label"`
}

// PlatformConfig конфигурация медиа платформы
type PlatformConfig struct {
	Inputs  []InputDevice  `mapstructure:"inputs"`
	Outputs []OutputDevice `mapstructure:"outputs"`
}

// DefaultPlatformConfig возвращает набор устройств по умолчанию
func DefaultPlatformConfig() PlatformConfig {
	return PlatformConfig{
		Inputs: []InputDevice{
			{ID: "default", Label: "Тестовый тон 440 Гц", ToneHz: 440, Amplitude: 3000},
			{ID: "silence", Label: "Тишина"},
		},
		Outputs: []OutputDevice{
			{ID: "default", Label: "Измеритель уровня"},
		},
	}
}

// Validate проверяет конфигурацию и заполняет значения по умолчанию
func (c *PlatformConfig) Validate() error {
	if len(c.Inputs) == 0 && len(c.Outputs) == 0 {
		*c = DefaultPlatformConfig()
		return nil
	}
	seen := make(map[string]bool)
	for i := range c.Inputs {
		in := &c.Inputs[i]
		if in.ID == "" {
			return fmt.Errorf("устройство ввода %d без идентификатора", i)
		}
		if seen["in:"+in.ID] {
			return fmt.Errorf("повторное устройство ввода %s", in.ID)
		}
		seen["in:"+in.ID] = true
		if in.ToneHz < 0 || in.ToneHz >= SampleRate/2 {
			return fmt.Errorf("частота тона %v вне диапазона (0, %d)", in.ToneHz, SampleRate/2)
		}
		if in.ToneHz > 0 && in.Amplitude == 0 {
			in.Amplitude = 3000
		}
	}
	for i, out := range c.Outputs {
		if out.ID == "" {
			return fmt.Errorf("устройство вывода %d без идентификатора", i)
		}
		if seen["out:"+out.ID] {
			return fmt.Errorf("повторное устройство вывода %s", out.ID)
		}
		seen["out:"+out.ID] = true
	}
	return nil
}

// Platform медиа платформа с виртуальными устройствами
type Platform struct {
	cfg    PlatformConfig
	logger *slog.Logger

	mu     sync.Mutex
	sinks  map[string]*LevelSink
	inputs map[string]InputDevice

	captures atomic.Int64
	seq      atomic.Uint64
}

var (
	_ callroom.MediaPlatform = (*Platform)(nil)
	_ callroom.Beeper        = (*Platform)(nil)
)

// Параметры сигнала входящего вызова
const (
	BeepDuration  = 200 * time.Millisecond
	beepHz        = 880
	beepAmplitude = 4000
)

// NewPlatform создает платформу. logger может быть nil.
func NewPlatform(cfg PlatformConfig, logger *slog.Logger) (*Platform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Platform{
		cfg:    cfg,
		logger: logger,
		sinks:  make(map[string]*LevelSink),
		inputs: make(map[string]InputDevice),
	}
	for _, in := range cfg.Inputs {
		p.inputs[in.ID] = in
	}
	for _, out := range cfg.Outputs {
		p.sinks[out.ID] = &LevelSink{}
	}
	return p, nil
}

// EnumerateDevices возвращает устройства ввода и вывода в порядке конфигурации
func (p *Platform) EnumerateDevices(ctx context.Context) ([]callroom.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices := make([]callroom.Device, 0, len(p.cfg.Inputs)+len(p.cfg.Outputs))
	for _, in := range p.cfg.Inputs {
		devices = append(devices, callroom.Device{ID: in.ID, Kind: callroom.DeviceKindAudioInput, Label: in.Label})
	}
	for _, out := range p.cfg.Outputs {
		devices = append(devices, callroom.Device{ID: out.ID, Kind: callroom.DeviceKindAudioOutput, Label: out.Label})
	}
	return devices, nil
}

// GetUserMedia захватывает устройство ввода. Пустой идентификатор означает "default".
func (p *Platform) GetUserMedia(ctx context.Context, constraints callroom.Constraints) (callroom.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deviceID := constraints.AudioDeviceID
	if deviceID == "" {
		deviceID = "default"
	}
	in, ok := p.inputs[deviceID]
	if !ok {
		return nil, newDeviceError(ErrorCodeDeviceNotFound, deviceID, "устройство ввода не найдено")
	}

	var src Source = silence{}
	if in.ToneHz > 0 {
		src = tone{frequency: in.ToneHz, amplitude: in.Amplitude}
	}

	n := p.seq.Add(1)
	track := NewTrack(fmt.Sprintf("mic-%s-%d", deviceID, n), src)
	stream := NewStream(fmt.Sprintf("capture-%d", n), track)
	stream.onStop = func() {
		p.captures.Add(-1)
		p.logger.Debug("Platform.GetUserMedia released", slog.String("stream", stream.ID()))
	}
	p.captures.Add(1)

	p.logger.Debug("Platform.GetUserMedia",
		slog.String("device", deviceID),
		slog.String("stream", stream.ID()))
	return stream, nil
}

// NewAudioGraph создает граф микширования
func (p *Platform) NewAudioGraph() callroom.AudioGraph {
	return NewGraph()
}

// NewAudioOutput запускает воспроизведение stream на устройстве sinkID
func (p *Platform) NewAudioOutput(stream callroom.Stream, sinkID string) (callroom.AudioOutput, error) {
	out, err := p.newOutput(stream, sinkID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	out.cancel = cancel
	go Every(ctx, out.deliver)
	return out, nil
}

// PlayBeep воспроизводит тон BeepDuration на устройстве sinkID в фоне
func (p *Platform) PlayBeep(sinkID string) error {
	n := p.seq.Add(1)
	track := NewTrack(fmt.Sprintf("beep-%d", n), tone{frequency: beepHz, amplitude: beepAmplitude})
	out, err := p.newOutput(NewStream(fmt.Sprintf("beep-%d", n), track), sinkID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), BeepDuration)
	out.cancel = cancel
	go func() {
		Every(ctx, out.deliver)
		_ = out.Close()
	}()
	p.logger.Debug("Platform.PlayBeep", slog.String("sink", out.SinkID()))
	return nil
}

func (p *Platform) newOutput(stream callroom.Stream, sinkID string) (*Output, error) {
	if sinkID == "" {
		sinkID = "default"
	}
	if p.Sink(sinkID) == nil {
		return nil, newDeviceError(ErrorCodeDeviceNotFound, sinkID, "устройство вывода не найдено")
	}

	var readers []frameReader
	for _, t := range stream.AudioTracks() {
		r, ok := AsReader(t)
		if !ok {
			return nil, &MediaError{Code: ErrorCodeForeignTrack, Message: fmt.Sprintf("трек %s не может быть воспроизведен", t.ID())}
		}
		readers = append(readers, r)
	}

	return &Output{
		platform: p,
		streamID: stream.ID(),
		readers:  readers,
		sinkID:   sinkID,
		acc:      make([]int32, FrameSamples),
		buf:      make([]int16, FrameSamples),
		frame:    make([]int16, FrameSamples),
	}, nil
}

// Sink возвращает устройство вывода по идентификатору или nil
func (p *Platform) Sink(id string) *LevelSink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sinks[id]
}

// ActiveCaptures возвращает число незакрытых захватов устройств ввода
func (p *Platform) ActiveCaptures() int64 {
	return p.captures.Load()
}

// LevelSink виртуальное устройство вывода: считает кадры и пиковый уровень
type LevelSink struct {
	mu     sync.Mutex
	frames uint64
	peak   int16
	last   []int16
}

// Write принимает кадр для воспроизведения
func (s *LevelSink) Write(frame []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	if s.last == nil {
		s.last = make([]int16, FrameSamples)
	}
	copy(s.last, frame)
	for _, v := range frame {
		if v < 0 {
			if v == -32768 {
				v = 32767
			} else {
				v = -v
			}
		}
		if v > s.peak {
			s.peak = v
		}
	}
}

// Frames возвращает число принятых кадров
func (s *LevelSink) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Peak возвращает пиковый модуль отсчета
func (s *LevelSink) Peak() int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// LastFrame возвращает копию последнего кадра
func (s *LevelSink) LastFrame() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int16, len(s.last))
	copy(out, s.last)
	return out
}

// Reset обнуляет статистику
func (s *LevelSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = 0
	s.peak = 0
	s.last = nil
}
