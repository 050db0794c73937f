package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-replicon/logger"
)

// UDPSocket is a Socket over a *net.UDPConn. A reader goroutine moves
// datagrams into a bounded queue that Receive drains without blocking.
type UDPSocket struct {
	conn    *net.UDPConn
	logger  logger.Logger
	inbound chan Datagram
	dropped atomic.Uint64
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// Option configures a UDPSocket.
type Option func(*udpOptions)

type udpOptions struct {
	logger    logger.Logger
	queueSize int
}

// WithLogger sets the logger used for read errors.
func WithLogger(l logger.Logger) Option {
	return func(o *udpOptions) {
		o.logger = l
	}
}

// WithQueueSize sets the inbound queue capacity.
func WithQueueSize(n int) Option {
	return func(o *udpOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// Bind opens a UDP socket on address ("host:port"; port 0 picks an
// ephemeral port) and starts its reader goroutine.
//
// Parameters:
//   - address: Local address to bind
//   - opts: Optional logger and queue size
//
// Returns:
//   - The bound socket, or an error wrapping ErrBindFailure
func Bind(address string, opts ...Option) (*UDPSocket, error) {
	o := udpOptions{logger: logger.Nop(), queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}

	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrBindFailure, address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrBindFailure, address, err)
	}

	s := &UDPSocket{
		conn:    conn,
		logger:  o.logger.With(logger.Field{Key: "local_addr", Value: conn.LocalAddr().String()}),
		inbound: make(chan Datagram, o.queueSize),
	}

	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

// LocalAddr implements Socket.
func (s *UDPSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// SendTo implements Socket.
func (s *UDPSocket) SendTo(addr net.Addr, b []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return fmt.Errorf("transport: resolve %s: %w", addr, err)
		}
		udpAddr = resolved
	}

	_, err := s.conn.WriteToUDP(b, udpAddr)
	return err
}

// Receive implements Socket.
func (s *UDPSocket) Receive() (net.Addr, []byte, error) {
	select {
	case d, ok := <-s.inbound:
		if !ok {
			return nil, nil, ErrClosed
		}
		return d.Addr, d.Data, nil
	default:
		if s.closed.Load() {
			return nil, nil, ErrClosed
		}
		return nil, nil, ErrWouldBlock
	}
}

// Dropped returns how many datagrams were discarded because the inbound
// queue was full.
func (s *UDPSocket) Dropped() uint64 {
	return s.dropped.Load()
}

// Close implements Socket.
func (s *UDPSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := s.conn.Close()
	s.wg.Wait()
	close(s.inbound)

	return err
}

func (s *UDPSocket) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Warn("udp read failed", logger.Field{Key: "error", Value: err})
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case s.inbound <- Datagram{Addr: addr, Data: data}:
		default:
			s.dropped.Add(1)
		}
	}
}
