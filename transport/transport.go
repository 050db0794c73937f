// Package transport binds datagram sockets for the replication protocol.
//
// Sockets follow a polling model: Receive never blocks and returns
// ErrWouldBlock when nothing is queued. Loss is invisible here; reliability
// lives in the channel layer.
package transport

import (
	"errors"
	"net"
)

// MaxDatagramSize is the largest datagram a socket will read. Larger
// datagrams are truncated by the OS and then rejected by the frame parser.
const MaxDatagramSize = 1400

// DefaultQueueSize is the number of inbound datagrams buffered between ticks.
const DefaultQueueSize = 1024

var (
	// ErrBindFailure is returned when the local address cannot be bound.
	ErrBindFailure = errors.New("transport: bind failure")

	// ErrWouldBlock is returned by Receive when no datagram is queued.
	ErrWouldBlock = errors.New("transport: would block")

	// ErrClosed is returned by operations on a closed socket.
	ErrClosed = errors.New("transport: socket closed")
)

// Socket is a bound, unconnected datagram endpoint.
type Socket interface {
	// LocalAddr returns the bound local address.
	LocalAddr() net.Addr

	// SendTo writes one datagram to addr. It does not retry.
	//
	// Parameters:
	//   - addr: The remote address
	//   - b: The datagram payload; not retained
	//
	// Returns:
	//   - An error if the socket is closed or the write fails
	SendTo(addr net.Addr, b []byte) error

	// Receive pops one queued datagram.
	//
	// Returns:
	//   - The sender address and datagram bytes (owned by the caller)
	//   - ErrWouldBlock if nothing is queued, ErrClosed after Close
	Receive() (net.Addr, []byte, error)

	// Close releases the socket. Safe to call more than once.
	Close() error
}

// Datagram is one received packet and its sender.
type Datagram struct {
	Addr net.Addr
	Data []byte
}
