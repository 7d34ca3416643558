/*
Package sockio abstracts the non-blocking socket operations the resolver engine performs. The
engine never touches the operating system directly - it talks to a Provider - so tests can run the
whole query lifecycle against an in-memory implementation and the engine itself stays free of
platform conditionals.

All Provider operations are non-blocking. An operation that cannot make progress returns
ErrWouldBlock and the engine retries it on the next readiness notification from its caller.
*/
package sockio

import (
	"errors"
	"net/netip"
)

const me = "sockio"

// Family selects the address family of a new socket.
type Family int

const (
	FamilyIPv4 Family = iota + 1
	FamilyIPv6
)

// SocketType selects the transport of a new socket.
type SocketType int

const (
	Datagram SocketType = iota + 1 // UDP
	Stream                         // TCP
)

var (
	// ErrWouldBlock means the operation cannot make progress right now. Distinct by contract -
	// the engine branches on it constantly.
	ErrWouldBlock = errors.New(me + ": operation would block")

	// ErrConnRefused means the peer actively refused the connection attempt.
	ErrConnRefused = errors.New(me + ": connection refused")

	// ErrBadFamily means the address family is unsupported on this system.
	ErrBadFamily = errors.New(me + ": address family not supported")
)

// Provider is the set of socket operations the engine needs. Implementations must return
// ErrWouldBlock (possibly wrapped) for try-again conditions, ErrConnRefused for an active refusal
// and ErrBadFamily for an unsupported address family, as the engine's retry and server-skipping
// policy branches on those three.
type Provider interface {
	// OpenSocket creates a non-blocking socket and returns its descriptor.
	OpenSocket(family Family, sotype SocketType) (fd int, err error)

	// Connect binds the socket to the peer. For Stream sockets an in-progress connect is
	// reported as success; completion is observed via writability.
	Connect(fd int, addr netip.AddrPort) error

	// Write sends p returning the number of bytes accepted.
	Write(fd int, p []byte) (int, error)

	// RecvFrom receives one datagram and the sender's address.
	RecvFrom(fd int, p []byte) (int, netip.AddrPort, error)

	// Recv reads stream bytes. A return of 0, nil means the peer closed.
	Recv(fd int, p []byte) (int, error)

	// Close releases the descriptor.
	Close(fd int) error
}
