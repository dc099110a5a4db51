package sipua

import (
	"fmt"
	"net"
	"sync"
)

// portPool выделяет четные RTP порты из диапазона
type portPool struct {
	host string
	min  int
	max  int

	mu   sync.Mutex
	used map[int]bool
	next int
}

func newPortPool(host string, lo, hi int) *portPool {
	if lo%2 != 0 {
		lo++
	}
	return &portPool{host: host, min: lo, max: hi, used: make(map[int]bool), next: lo}
}

// listen открывает UDP сокет на первом свободном четном порту
func (p *portPool) listen() (*net.UDPConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ip := net.ParseIP(p.host)
	span := (p.max - p.min) / 2
	for i := 0; i <= span; i++ {
		port := p.next
		p.next += 2
		if p.next > p.max {
			p.next = p.min
		}
		if p.used[port] {
			continue
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			continue
		}
		p.used[port] = true
		return conn, nil
	}
	return nil, fmt.Errorf("нет свободных RTP портов в диапазоне %d-%d", p.min, p.max)
}

// release возвращает порт в пул
func (p *portPool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

func (p *portPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
