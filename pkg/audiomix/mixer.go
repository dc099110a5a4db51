package audiomix

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arzzra/roomphone/pkg/callroom"
)

// Graph граф микширования. Владеет узлами; после Close все выходы отдают тишину.
type Graph struct {
	id     uint64
	mu     sync.Mutex
	dests  []*Destination
	closed atomic.Bool
}

var _ callroom.AudioGraph = (*Graph)(nil)

var graphSeq atomic.Uint64

// NewGraph создает пустой граф
func NewGraph() *Graph {
	return &Graph{id: graphSeq.Add(1)}
}

// NewDestination создает узел сложения в графе
func (g *Graph) NewDestination() callroom.MixDestination {
	return g.newDestination()
}

func (g *Graph) newDestination() *Destination {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := &Destination{graph: g}
	d.output = NewTrack(fmt.Sprintf("mix-%d-%d", g.id, len(g.dests)+1), (*destinationSource)(d))
	g.dests = append(g.dests, d)
	return d
}

// Close отключает все узлы графа. Повторный вызов безопасен.
func (g *Graph) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range g.dests {
		d.disconnectAll()
	}
	return nil
}

// Closed сообщает, закрыт ли граф
func (g *Graph) Closed() bool {
	return g.closed.Load()
}

// Destination узел сложения: сумма подключенных треков с ограничением int16
type Destination struct {
	graph  *Graph
	output *Track

	mu      sync.Mutex
	sources []frameReader
	acc     []int32
	buf     []int16
}

var _ callroom.MixDestination = (*Destination)(nil)

// Connect подключает трек к узлу. Трек должен уметь отдавать кадры.
func (d *Destination) Connect(track callroom.Track) error {
	if d.graph.Closed() {
		return ErrGraphClosed
	}
	r, ok := AsReader(track)
	if !ok {
		return &MediaError{Code: ErrorCodeForeignTrack, Message: fmt.Sprintf("трек %s не может быть прочитан микшером", track.ID())}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources = append(d.sources, r)
	return nil
}

// Output возвращает выходной трек узла
func (d *Destination) Output() callroom.Track {
	return d.output
}

// Sources возвращает количество подключенных треков
func (d *Destination) Sources() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sources)
}

func (d *Destination) disconnectAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources = nil
}

// destinationSource читает сумму кадров источников узла
type destinationSource Destination

func (s *destinationSource) ReadFrame(tick uint64, dst []int16) {
	d := (*Destination)(s)

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.sources) == 0 {
		clear(dst)
		return
	}
	if d.acc == nil {
		d.acc = make([]int32, FrameSamples)
		d.buf = make([]int16, FrameSamples)
	}
	clear(d.acc)
	for _, src := range d.sources {
		src.ReadFrame(tick, d.buf)
		mixInto(d.acc, d.buf)
	}
	clampInto(dst, d.acc)
}
