package sipua

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"

	"github.com/arzzra/roomphone/pkg/audiomix"
	"github.com/arzzra/roomphone/pkg/callroom"
	"github.com/pion/rtp"
)

// rtpMedia RTP поток одного вызова: отправка трека отправителя и прием в буфер.
type rtpMedia struct {
	id     string
	conn   *net.UDPConn
	logger *slog.Logger

	remote  atomic.Pointer[net.UDPAddr]
	sending atomic.Bool
	held    atomic.Bool
	muted   atomic.Bool

	sender   *sender
	receiver *receiver
	stream   *audiomix.Stream
	buffer   *audiomix.BufferSource
	depack   *audiomix.Depacketizer
	packer   *audiomix.Packetizer

	mu          sync.Mutex
	established bool
	onRemote    []func(callroom.Stream)

	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent     atomic.Uint64
	received atomic.Uint64
}

func newRTPMedia(id string, conn *net.UDPConn, jitterDepth int, logger *slog.Logger) *rtpMedia {
	buffer := audiomix.NewBufferSource(jitterDepth * 4)
	remoteTrack := audiomix.NewTrack("in-"+id, buffer)

	m := &rtpMedia{
		id:       id,
		conn:     conn,
		logger:   logger,
		sender:   &sender{},
		receiver: &receiver{track: remoteTrack},
		stream:   audiomix.NewStream("remote-"+id, remoteTrack),
		buffer:   buffer,
		depack:   audiomix.NewDepacketizer(buffer, jitterDepth),
		packer:   audiomix.NewPacketizer(rand.Uint32(), uint16(rand.UintN(1<<16)), rand.Uint32()),
	}
	m.sending.Store(true)
	return m
}

// localPort возвращает порт RTP сокета
func (m *rtpMedia) localPort() int {
	return m.conn.LocalAddr().(*net.UDPAddr).Port
}

// start запускает циклы отправки и приема
func (m *rtpMedia) start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		audiomix.Every(ctx, m.sendFrame)
	}()
	go func() {
		defer m.wg.Done()
		m.receiveLoop()
	}()
}

// setRemote задает адрес удаленной стороны; первый вызов устанавливает медиа
func (m *rtpMedia) setRemote(addr *net.UDPAddr) {
	m.remote.Store(addr)

	m.mu.Lock()
	if m.established {
		m.mu.Unlock()
		return
	}
	m.established = true
	handlers := m.onRemote
	m.onRemote = nil
	m.mu.Unlock()

	for _, h := range handlers {
		h(m.stream)
	}
}

// setSending включает или выключает отправку (inactive/recvonly)
func (m *rtpMedia) setSending(on bool) {
	m.sending.Store(on)
}

// setHeld приостанавливает отправку на время локального удержания
func (m *rtpMedia) setHeld(on bool) {
	m.held.Store(on)
}

func (m *rtpMedia) sendFrame(tick uint64) {
	addr := m.remote.Load()
	if addr == nil || !m.sending.Load() || m.held.Load() {
		return
	}

	frame := make([]int16, audiomix.FrameSamples)
	if r, ok := audiomix.AsReader(m.sender.Track()); ok && !m.muted.Load() {
		r.ReadFrame(tick, frame)
	}
	raw, err := m.packer.Packetize(frame).Marshal()
	if err != nil {
		m.logger.Warn("rtpMedia.sendFrame marshal", slog.String("call_id", m.id), slog.Any("error", err))
		return
	}
	if _, err := m.conn.WriteToUDP(raw, addr); err != nil {
		m.logger.Debug("rtpMedia.sendFrame", slog.String("call_id", m.id), slog.Any("error", err))
		return
	}
	m.sent.Add(1)
}

func (m *rtpMedia) receiveLoop() {
	buf := make([]byte, 1500)
	for {
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Debug("rtpMedia.receiveLoop", slog.String("call_id", m.id), slog.Any("error", err))
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if err := m.depack.Push(pkt); err != nil {
			m.logger.Debug("rtpMedia.receiveLoop drop", slog.String("call_id", m.id), slog.Any("error", err))
			continue
		}
		m.received.Add(1)
	}
}

// close останавливает циклы и закрывает сокет
func (m *rtpMedia) close() {
	if m.cancel != nil {
		m.cancel()
	}
	_ = m.conn.Close()
	m.wg.Wait()
	m.stream.Stop()
}

// connection реализует callroom.MediaConnection поверх rtpMedia
type connection struct {
	media *rtpMedia
}

var _ callroom.MediaConnection = (*connection)(nil)

func (c *connection) Senders() []callroom.Sender {
	return []callroom.Sender{c.media.sender}
}

func (c *connection) Receivers() []callroom.Receiver {
	return []callroom.Receiver{c.media.receiver}
}

// OnRemoteStream вызывает handler при установлении медиа; если медиа уже
// установлено, handler вызывается сразу
func (c *connection) OnRemoteStream(handler func(stream callroom.Stream)) {
	m := c.media
	m.mu.Lock()
	if !m.established {
		m.onRemote = append(m.onRemote, handler)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	handler(m.stream)
}

// sender отправитель исходящего трека
type sender struct {
	mu    sync.RWMutex
	track callroom.Track
}

var _ callroom.Sender = (*sender)(nil)

func (s *sender) Track() callroom.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.track
}

// ReplaceTrack подменяет исходящий трек без пересогласования
func (s *sender) ReplaceTrack(ctx context.Context, track callroom.Track) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if track != nil {
		if _, ok := audiomix.AsReader(track); !ok {
			return audiomix.ErrForeignTrack
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

// receiver получатель входящего трека
type receiver struct {
	track *audiomix.Track
}

var _ callroom.Receiver = (*receiver)(nil)

func (r *receiver) Track() callroom.Track {
	return r.track
}
