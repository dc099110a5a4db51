package audiomix

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/arzzra/roomphone/pkg/callroom"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constSource отдает кадр из одного значения
type constSource int16

func (c constSource) ReadFrame(_ uint64, dst []int16) {
	for i := range dst {
		dst[i] = int16(c)
	}
}

type foreignTrack struct{}

func (foreignTrack) ID() string        { return "foreign" }
func (foreignTrack) Enabled() bool     { return true }
func (foreignTrack) SetEnabled(_ bool) {}

func readFrame(t *testing.T, track callroom.Track, tick uint64) []int16 {
	t.Helper()
	r, ok := AsReader(track)
	require.True(t, ok)
	frame := make([]int16, FrameSamples)
	r.ReadFrame(tick, frame)
	return frame
}

func TestTrack_DisabledIsSilent(t *testing.T) {
	track := NewTrack("t", constSource(100))
	assert.True(t, track.Enabled())
	assert.Equal(t, int16(100), readFrame(t, track, 1)[0])

	track.SetEnabled(false)
	frame := readFrame(t, track, 2)
	assert.Equal(t, make([]int16, FrameSamples), frame)
}

func TestStream_StopDisablesTracks(t *testing.T) {
	track := NewTrack("t", constSource(1))
	stopped := 0
	stream := NewStream("s", track)
	stream.onStop = func() { stopped++ }

	stream.Stop()
	stream.Stop()

	assert.True(t, stream.Stopped())
	assert.False(t, track.Enabled())
	assert.Equal(t, 1, stopped, "onStop вызывается один раз")
	require.Len(t, stream.AudioTracks(), 1)
}

func TestDestination_SumsAndClamps(t *testing.T) {
	g := NewGraph()
	dest := g.NewDestination()

	require.NoError(t, dest.Connect(NewTrack("a", constSource(100))))
	require.NoError(t, dest.Connect(NewTrack("b", constSource(-30))))
	assert.Equal(t, int16(70), readFrame(t, dest.Output(), 1)[0])

	loud := g.NewDestination()
	require.NoError(t, loud.Connect(NewTrack("x", constSource(30000))))
	require.NoError(t, loud.Connect(NewTrack("y", constSource(30000))))
	assert.Equal(t, int16(math.MaxInt16), readFrame(t, loud.Output(), 1)[0])

	quiet := g.NewDestination()
	require.NoError(t, quiet.Connect(NewTrack("x", constSource(-30000))))
	require.NoError(t, quiet.Connect(NewTrack("y", constSource(-30000))))
	assert.Equal(t, int16(math.MinInt16), readFrame(t, quiet.Output(), 1)[0])
}

func TestDestination_DisabledOutput(t *testing.T) {
	g := NewGraph()
	dest := g.NewDestination()
	require.NoError(t, dest.Connect(NewTrack("a", constSource(100))))

	dest.Output().SetEnabled(false)
	assert.Equal(t, int16(0), readFrame(t, dest.Output(), 1)[0])
}

func TestDestination_ConnectErrors(t *testing.T) {
	g := NewGraph()
	dest := g.NewDestination()

	err := dest.Connect(foreignTrack{})
	assert.ErrorIs(t, err, ErrForeignTrack)

	require.NoError(t, dest.Connect(NewTrack("a", constSource(5))))
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.True(t, g.Closed())

	assert.Equal(t, int16(0), readFrame(t, dest.Output(), 1)[0], "закрытый граф отдает тишину")
	assert.ErrorIs(t, dest.Connect(NewTrack("b", constSource(5))), ErrGraphClosed)
}

func TestBufferSource_SharedTick(t *testing.T) {
	buf := NewBufferSource(4)
	first := make([]int16, FrameSamples)
	first[0] = 11
	second := make([]int16, FrameSamples)
	second[0] = 22
	buf.Write(first)
	buf.Write(second)

	track := NewTrack("remote", buf)
	a := readFrame(t, track, 10)
	b := readFrame(t, track, 10)
	assert.Equal(t, int16(11), a[0])
	assert.Equal(t, int16(11), b[0], "потребители одного кадра видят одинаковые данные")

	assert.Equal(t, int16(22), readFrame(t, track, 11)[0])
	assert.Equal(t, int16(0), readFrame(t, track, 12)[0], "пустая очередь дает тишину")
}

func TestBufferSource_Overflow(t *testing.T) {
	buf := NewBufferSource(2)
	for i := 1; i <= 3; i++ {
		frame := make([]int16, FrameSamples)
		frame[0] = int16(i)
		buf.Write(frame)
	}
	assert.Equal(t, uint64(1), buf.Dropped())

	frame := make([]int16, FrameSamples)
	buf.ReadFrame(1, frame)
	assert.Equal(t, int16(2), frame[0], "отброшен самый старый кадр")
}

func TestULaw_KnownValues(t *testing.T) {
	assert.Equal(t, []byte{0xFF}, EncodeULaw([]int16{0}))
	assert.Equal(t, []int16{0}, DecodeULaw([]byte{0xFF}))
	assert.Equal(t, []int16{-32124}, DecodeULaw([]byte{0x00}))
	assert.Equal(t, []int16{32124}, DecodeULaw([]byte{0x80}))
}

func TestULaw_RoundTripError(t *testing.T) {
	for _, s := range []int16{1, 100, -100, 1000, -5000, 12345, 32767, -32768} {
		decoded := DecodeULaw(EncodeULaw([]int16{s}))[0]
		diff := math.Abs(float64(decoded) - float64(s))
		// погрешность квантования μ-law не превышает 1/16 модуля плюс шаг первого сегмента
		assert.LessOrEqual(t, diff, math.Abs(float64(s))/16+8, "отсчет %d", s)
	}
}

func TestPacketizer_Sequence(t *testing.T) {
	p := NewPacketizer(0xABCD, 65535, 1000)
	frame := make([]int16, FrameSamples)

	first := p.Packetize(frame)
	second := p.Packetize(frame)

	assert.True(t, first.Marker)
	assert.False(t, second.Marker)
	assert.Equal(t, uint16(65535), first.SequenceNumber)
	assert.Equal(t, uint16(0), second.SequenceNumber)
	assert.Equal(t, uint32(1000+FrameSamples), second.Timestamp)
	assert.Equal(t, uint32(0xABCD), second.SSRC)
	assert.Equal(t, PayloadTypePCMU, second.PayloadType)
	assert.Len(t, second.Payload, FrameSamples)

	raw, err := second.Marshal()
	require.NoError(t, err)
	assert.Len(t, raw, 12+FrameSamples)
}

func TestDepacketizer_Reorders(t *testing.T) {
	sink := NewBufferSource(8)
	d := NewDepacketizer(sink, 2)
	p := NewPacketizer(1, 10, 0)

	packets := make([]*rtp.Packet, 0, 3)
	for i := 1; i <= 3; i++ {
		frame := make([]int16, FrameSamples)
		frame[0] = int16(i * 1000)
		packets = append(packets, p.Packetize(frame))
	}

	require.NoError(t, d.Push(packets[1]))
	require.NoError(t, d.Push(packets[0]))
	require.NoError(t, d.Push(packets[2]))
	d.Flush()

	require.NoError(t, d.Push(packets[0]))
	assert.Equal(t, uint64(1), d.Late(), "опоздавший пакет отброшен")

	frame := make([]int16, FrameSamples)
	var got []int16
	for tick := uint64(1); tick <= 3; tick++ {
		sink.ReadFrame(tick, frame)
		got = append(got, frame[0])
	}
	// μ-law сохраняет порядок величин
	assert.Less(t, got[0], got[1])
	assert.Less(t, got[1], got[2])
}

func TestDecodePacket_Errors(t *testing.T) {
	pkt := NewPacketizer(1, 1, 1).Packetize(make([]int16, FrameSamples))
	pkt.PayloadType = 8
	_, err := DecodePacket(pkt)
	var mediaErr *MediaError
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, ErrorCodeUnsupportedPayloadType, mediaErr.Code)

	pkt.PayloadType = PayloadTypePCMU
	pkt.Payload = nil
	_, err = DecodePacket(pkt)
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, ErrorCodePayloadInvalid, mediaErr.Code)
}

func TestPlatform_Devices(t *testing.T) {
	p, err := NewPlatform(DefaultPlatformConfig(), nil)
	require.NoError(t, err)

	devices, err := p.EnumerateDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, callroom.DeviceKindAudioInput, devices[0].Kind)
	assert.Equal(t, "silence", devices[1].ID)
	assert.Equal(t, callroom.DeviceKindAudioOutput, devices[2].Kind)
}

func TestPlatform_GetUserMedia(t *testing.T) {
	p, err := NewPlatform(DefaultPlatformConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	stream, err := p.GetUserMedia(ctx, callroom.Constraints{})
	require.NoError(t, err)
	require.Len(t, stream.AudioTracks(), 1)
	assert.Equal(t, int64(1), p.ActiveCaptures())

	frame := readFrame(t, stream.AudioTracks()[0], 3)
	assert.NotEqual(t, make([]int16, FrameSamples), frame, "тон не тишина")

	stream.Stop()
	assert.Equal(t, int64(0), p.ActiveCaptures())

	_, err = p.GetUserMedia(ctx, callroom.Constraints{AudioDeviceID: "missing"})
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.GetUserMedia(cancelled, callroom.Constraints{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlatformConfig_Validate(t *testing.T) {
	var empty PlatformConfig
	require.NoError(t, empty.Validate())
	assert.Equal(t, DefaultPlatformConfig(), empty)

	dup := PlatformConfig{Inputs: []InputDevice{{ID: "a"}, {ID: "a"}}}
	assert.Error(t, dup.Validate())

	tooHigh := PlatformConfig{Inputs: []InputDevice{{ID: "a", ToneHz: 5000}}}
	assert.Error(t, tooHigh.Validate())

	filled := PlatformConfig{Inputs: []InputDevice{{ID: "a", ToneHz: 1000}}}
	require.NoError(t, filled.Validate())
	assert.Equal(t, 3000.0, filled.Inputs[0].Amplitude)
}

func TestOutput_DeliverMuteAndSink(t *testing.T) {
	cfg := DefaultPlatformConfig()
	cfg.Outputs = append(cfg.Outputs, OutputDevice{ID: "headset", Label: "Гарнитура"})
	p, err := NewPlatform(cfg, nil)
	require.NoError(t, err)

	remote := NewStream("remote", NewTrack("in", constSource(500)))
	out, err := p.newOutput(remote, "")
	require.NoError(t, err)
	assert.Equal(t, "default", out.SinkID())

	out.deliver(1)
	def := p.Sink("default")
	assert.Equal(t, uint64(1), def.Frames())
	assert.Equal(t, int16(500), def.Peak())

	out.SetMuted(true)
	assert.True(t, out.Muted())
	out.deliver(2)
	assert.Equal(t, make([]int16, FrameSamples), def.LastFrame())

	ctx := context.Background()
	assert.ErrorIs(t, out.SetSinkID(ctx, "missing"), ErrDeviceNotFound)
	require.NoError(t, out.SetSinkID(ctx, "headset"))
	out.SetMuted(false)
	out.deliver(3)
	assert.Equal(t, uint64(1), p.Sink("headset").Frames())
	assert.Equal(t, uint64(2), def.Frames())

	require.NoError(t, out.Close())
	require.NoError(t, out.Close())
	out.deliver(4)
	assert.Equal(t, uint64(1), p.Sink("headset").Frames(), "закрытый выход не пишет")
	assert.ErrorIs(t, out.SetSinkID(ctx, "default"), ErrOutputClosed)
}

func TestPlatform_NewAudioOutputErrors(t *testing.T) {
	p, err := NewPlatform(DefaultPlatformConfig(), nil)
	require.NoError(t, err)

	_, err = p.NewAudioOutput(NewStream("s"), "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	out, err := p.NewAudioOutput(NewStream("s", NewTrack("a", nil)), "default")
	require.NoError(t, err)
	require.NoError(t, out.Close())
}

func TestPlatform_PlayBeep(t *testing.T) {
	p, err := NewPlatform(DefaultPlatformConfig(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, p.PlayBeep("missing"), ErrDeviceNotFound)

	require.NoError(t, p.PlayBeep(""))
	sink := p.Sink("default")
	require.Eventually(t, func() bool { return sink.Peak() > 0 }, time.Second, 10*time.Millisecond)

	// после BeepDuration кадры больше не поступают
	time.Sleep(BeepDuration + 100*time.Millisecond)
	frames := sink.Frames()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, frames, sink.Frames())
	assert.LessOrEqual(t, frames, uint64(BeepDuration/FrameDuration)+1)
}
