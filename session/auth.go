package session

import (
	"net"

	"github.com/cyberinferno/go-replicon/protocol"
)

// Authenticator decides whether a handshake may open a session.
type Authenticator interface {
	// Authenticate returns nil to admit the client.
	//
	// Parameters:
	//   - addr: The remote address of the handshake
	//   - req: The connect request
	//
	// Returns:
	//   - nil, or the reason for refusing the client
	Authenticate(addr net.Addr, req protocol.ConnectRequest) error

	// Insecure reports whether the authenticator trusts self-asserted
	// client ids. The manager refuses insecure authenticators unless
	// Config.AllowInsecure is set.
	Insecure() bool
}

// InsecureAuthenticator admits every client under the id it asserts. It is
// only suitable for trusted networks and local development.
type InsecureAuthenticator struct{}

// Authenticate implements Authenticator.
func (InsecureAuthenticator) Authenticate(net.Addr, protocol.ConnectRequest) error {
	return nil
}

// Insecure implements Authenticator.
func (InsecureAuthenticator) Insecure() bool {
	return true
}
