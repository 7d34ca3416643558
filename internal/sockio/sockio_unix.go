//go:build unix

package sockio

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// Unix is the default Provider. It issues raw system calls via golang.org/x/sys/unix rather than
// going through the net package because the engine needs bare non-blocking descriptors it can hand
// to the caller's own poll/select loop.
type Unix struct{}

// NewUnix returns the default system call backed Provider.
func NewUnix() *Unix {
	return &Unix{}
}

func (t *Unix) OpenSocket(family Family, sotype SocketType) (int, error) {
	var domain int
	switch family {
	case FamilyIPv4:
		domain = unix.AF_INET
	case FamilyIPv6:
		domain = unix.AF_INET6
	default:
		return -1, ErrBadFamily
	}

	st := unix.SOCK_DGRAM
	if sotype == Stream {
		st = unix.SOCK_STREAM
	}

	fd, err := unix.Socket(domain, st, 0)
	if err != nil {
		return -1, mapErrno(err)
	}

	// SOCK_NONBLOCK/SOCK_CLOEXEC at socket() time are not portable across the unix build tag so
	// set both the long way.
	unix.CloseOnExec(fd)
	err = unix.SetNonblock(fd, true)
	if err != nil {
		unix.Close(fd)
		return -1, mapErrno(err)
	}

	if sotype == Stream { // Query/response traffic wants no coalescing delay
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}

	return fd, nil
}

func (t *Unix) Connect(fd int, addr netip.AddrPort) error {
	var sa unix.Sockaddr
	if addr.Addr().Is4() {
		sa4 := &unix.SockaddrInet4{Port: int(addr.Port())}
		sa4.Addr = addr.Addr().As4()
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: int(addr.Port())}
		sa6.Addr = addr.Addr().As16()
		sa = sa6
	}

	err := unix.Connect(fd, sa)
	switch err {
	case nil, unix.EINPROGRESS, unix.EINTR, unix.EISCONN:
		return nil // In-progress counts as success; completion shows up as writability
	}

	return mapErrno(err)
}

func (t *Unix) Write(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if err != nil {
		return 0, mapErrno(err)
	}

	return n, nil
}

func (t *Unix) RecvFrom(fd int, p []byte) (int, netip.AddrPort, error) {
	n, sa, err := unix.Recvfrom(fd, p, 0)
	if err != nil {
		return 0, netip.AddrPort{}, mapErrno(err)
	}

	var from netip.AddrPort
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		from = netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		from = netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	}

	return n, from, nil
}

func (t *Unix) Recv(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if err != nil {
		return 0, mapErrno(err)
	}

	return n, nil
}

func (t *Unix) Close(fd int) error {
	return unix.Close(fd)
}

// mapErrno converts the errnos the engine's policy branches on into the package sentinels. All
// other errors pass through untouched.
func mapErrno(err error) error {
	switch err {
	case unix.EAGAIN:
		return ErrWouldBlock
	case unix.ECONNREFUSED:
		return ErrConnRefused
	case unix.EAFNOSUPPORT, unix.EPROTONOSUPPORT:
		return ErrBadFamily
	}

	return err
}
