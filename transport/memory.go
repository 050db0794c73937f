package transport

import (
	"fmt"
	"net"
	"sync"
)

// MemoryAddr is the address of a MemorySocket.
type MemoryAddr string

// Network implements net.Addr.
func (a MemoryAddr) Network() string { return "memory" }

// String implements net.Addr.
func (a MemoryAddr) String() string { return string(a) }

// Interceptor decides what happens to a datagram in flight on a
// MemoryNetwork. It returns the datagrams to deliver right now: none to drop
// it, one to pass it through, several to duplicate it. An interceptor may
// keep datagrams and release them later through Inject to simulate
// reordering.
type Interceptor func(from, to net.Addr, data []byte) [][]byte

// MemoryNetwork connects MemorySockets in process. Delivery is synchronous
// and, without an interceptor, lossless and ordered.
type MemoryNetwork struct {
	mu          sync.Mutex
	sockets     map[string]*MemorySocket
	interceptor Interceptor
	next        int
}

// NewMemoryNetwork creates an empty in-memory network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{sockets: make(map[string]*MemorySocket)}
}

// SetInterceptor installs (or with nil removes) the in-flight hook.
func (n *MemoryNetwork) SetInterceptor(i Interceptor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interceptor = i
}

// Listen binds a socket on addr. An empty addr or one ending in ":0" is
// replaced by a fresh unique address.
//
// Returns:
//   - The socket, or an error wrapping ErrBindFailure if addr is taken
func (n *MemoryNetwork) Listen(addr string) (*MemorySocket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if addr == "" || (len(addr) > 2 && addr[len(addr)-2:] == ":0") {
		n.next++
		addr = fmt.Sprintf("mem-%d", n.next)
	}

	if _, taken := n.sockets[addr]; taken {
		return nil, fmt.Errorf("%w: %s already in use", ErrBindFailure, addr)
	}

	s := &MemorySocket{network: n, addr: MemoryAddr(addr)}
	n.sockets[addr] = s

	return s, nil
}

// Inject delivers data to the socket at to as if sent from from, bypassing
// the interceptor.
func (n *MemoryNetwork) Inject(from, to net.Addr, data []byte) {
	n.mu.Lock()
	target := n.sockets[to.String()]
	n.mu.Unlock()

	if target != nil {
		target.push(from, data)
	}
}

func (n *MemoryNetwork) send(from, to net.Addr, data []byte) {
	n.mu.Lock()
	intercept := n.interceptor
	target := n.sockets[to.String()]
	n.mu.Unlock()

	cp := append([]byte(nil), data...)
	out := [][]byte{cp}
	if intercept != nil {
		out = intercept(from, to, cp)
	}

	if target == nil {
		return
	}

	for _, d := range out {
		target.push(from, d)
	}
}

func (n *MemoryNetwork) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sockets, addr)
}

// MemorySocket is a Socket on a MemoryNetwork.
type MemorySocket struct {
	network *MemoryNetwork
	addr    MemoryAddr

	mu      sync.Mutex
	queue   []Datagram
	closed  bool
	dropped uint64
}

// LocalAddr implements Socket.
func (s *MemorySocket) LocalAddr() net.Addr {
	return s.addr
}

// SendTo implements Socket. Datagrams to unbound addresses vanish.
func (s *MemorySocket) SendTo(addr net.Addr, b []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}

	s.network.send(s.addr, addr, b)
	return nil
}

// Receive implements Socket.
func (s *MemorySocket) Receive() (net.Addr, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrClosed
	}

	if len(s.queue) == 0 {
		return nil, nil, ErrWouldBlock
	}

	d := s.queue[0]
	s.queue[0] = Datagram{}
	s.queue = s.queue[1:]

	return d.Addr, d.Data, nil
}

// Pending returns the number of queued datagrams.
func (s *MemorySocket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns how many datagrams overflowed the queue.
func (s *MemorySocket) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close implements Socket.
func (s *MemorySocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.network.remove(string(s.addr))
	return nil
}

func (s *MemorySocket) push(from net.Addr, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.queue) >= DefaultQueueSize {
		s.dropped++
		return
	}

	s.queue = append(s.queue, Datagram{Addr: from, Data: data})
}
