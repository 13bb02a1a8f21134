package lifecycle

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// portAllocator hands out host ports from a fixed range. Reservations
// protect against double allocation between the DB write and the
// container bind; the bind probe protects against ports taken by
// processes outside our control.
type portAllocator struct {
	mu       sync.Mutex
	lo, hi   int
	reserved map[int]bool
}

func newPortAllocator(lo, hi int) *portAllocator {
	return &portAllocator{lo: lo, hi: hi, reserved: make(map[int]bool)}
}

// Allocate returns a free port from the range. inUse lists ports already
// assigned to other models.
func (p *portAllocator) Allocate(inUse []int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	taken := make(map[int]bool, len(inUse))
	for _, port := range inUse {
		taken[port] = true
	}
	for port := p.lo; port <= p.hi; port++ {
		if taken[port] || p.reserved[port] {
			continue
		}
		if !bindable(port) {
			continue
		}
		p.reserved[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", p.lo, p.hi)
}

// Release returns a reservation to the pool, normally after the model
// row owning the port is stopped or deleted.
func (p *portAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, port)
}

func bindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
