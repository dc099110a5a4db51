package audiomix

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

const (
	// PayloadTypePCMU статический тип нагрузки G.711 μ-law
	PayloadTypePCMU uint8 = 0
	// ClockRate тактовая частота RTP для PCMU
	ClockRate = SampleRate
)

// Packetizer упаковывает PCM кадры в RTP пакеты PCMU
type Packetizer struct {
	ssrc      uint32
	sequence  uint16
	timestamp uint32
	marker    bool
}

// NewPacketizer создает упаковщик. Первый пакет помечается маркером.
func NewPacketizer(ssrc uint32, initialSeq uint16, initialTimestamp uint32) *Packetizer {
	return &Packetizer{
		ssrc:      ssrc,
		sequence:  initialSeq,
		timestamp: initialTimestamp,
		marker:    true,
	}
}

// Packetize кодирует кадр и возвращает очередной пакет
func (p *Packetizer) Packetize(frame []int16) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         p.marker,
			PayloadType:    PayloadTypePCMU,
			SequenceNumber: p.sequence,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: EncodeULaw(frame),
	}
	p.marker = false
	p.sequence++
	p.timestamp += uint32(len(frame))
	return pkt
}

// DecodePacket извлекает PCM кадр из RTP пакета PCMU
func DecodePacket(pkt *rtp.Packet) ([]int16, error) {
	if pkt.PayloadType != PayloadTypePCMU {
		return nil, &MediaError{
			Code:    ErrorCodeUnsupportedPayloadType,
			Message: fmt.Sprintf("тип нагрузки %d не поддерживается", pkt.PayloadType),
		}
	}
	if len(pkt.Payload) == 0 {
		return nil, &MediaError{Code: ErrorCodePayloadInvalid, Message: "пустая нагрузка"}
	}
	return DecodeULaw(pkt.Payload), nil
}

// Depacketizer восстанавливает порядок пакетов и передает кадры в BufferSource.
// Держит до depth пакетов, упорядочивая их по номеру последовательности.
type Depacketizer struct {
	mu      sync.Mutex
	sink    *BufferSource
	depth   int
	pending seqHeap
	lastSeq uint16
	started bool
	late    uint64
}

// NewDepacketizer создает депакетизатор, пишущий в sink
func NewDepacketizer(sink *BufferSource, depth int) *Depacketizer {
	if depth < 1 {
		depth = 1
	}
	return &Depacketizer{sink: sink, depth: depth}
}

// Push принимает пакет. Опоздавшие пакеты отбрасываются.
func (d *Depacketizer) Push(pkt *rtp.Packet) error {
	frame, err := DecodePacket(pkt)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started && !seqAfter(pkt.SequenceNumber, d.lastSeq) {
		d.late++
		return nil
	}
	heap.Push(&d.pending, seqFrame{seq: pkt.SequenceNumber, frame: frame})
	for d.pending.Len() > d.depth {
		d.release()
	}
	return nil
}

// Flush передает в sink все удерживаемые кадры
func (d *Depacketizer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending.Len() > 0 {
		d.release()
	}
}

// Late возвращает число отброшенных опоздавших пакетов
func (d *Depacketizer) Late() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.late
}

func (d *Depacketizer) release() {
	item := heap.Pop(&d.pending).(seqFrame)
	d.lastSeq = item.seq
	d.started = true
	d.sink.Write(item.frame)
}

// seqAfter сравнивает номера последовательности с учетом переполнения
func seqAfter(a, b uint16) bool {
	return a != b && a-b < 0x8000
}

type seqFrame struct {
	seq   uint16
	frame []int16
}

// seqHeap реализует heap.Interface с порядком по номеру последовательности
type seqHeap []seqFrame

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return seqAfter(h[j].seq, h[i].seq) }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *seqHeap) Push(x interface{}) {
	*h = append(*h, x.(seqFrame))
}

func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
