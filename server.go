package asyncdns

import (
	"container/list"
	"errors"
	"net/netip"

	"github.com/markdingo/asyncdns/internal/bytebuf"
	"github.com/markdingo/asyncdns/internal/sockio"
)

// server is the per-upstream state: address, open connections and the TCP framing buffers. The
// TCP receive and send buffers live here rather than on the connection because at most one TCP
// connection is open per server at a time. Both buffers are emptied when that connection closes,
// so nothing carries over to its replacement.
type server struct {
	channel *Channel
	idx     int

	addr    netip.Addr
	udpPort uint16
	tcpPort uint16

	// connections holds every open conn for this server. UDP connections are pushed to the
	// front so reuse always finds them first; the TCP connection, if any, sits at the back.
	connections *list.List
	tcpConn     *conn // The TCP entry in connections, if open

	tcpParser bytebuf.Buffer // Unconsumed TCP receive bytes awaiting a whole frame
	tcpSend   bytebuf.Buffer // Unsent TCP bytes awaiting socket writability

	// tcpGeneration is the channel-wide generation stamped at this server's most recent TCP
	// open or close. Compared against the stamp queries carry to detect retry-on-same-socket.
	tcpGeneration uint32
}

// conn is one open socket bound to one server, together with the queries whose latest attempt
// went out on it and are still awaiting a reply.
type conn struct {
	server *server
	fd     int
	isTCP  bool

	totalQueries int // Lifetime count, for retiring over-used UDP sockets

	queries *list.List // *query members; maintained by sendQuery/unbindConn
}

// reusableUDP returns the preferred existing UDP connection, or nil if a fresh one is needed.
// The front of the connection list is the only candidate; it is rejected when it is the TCP
// connection or when it has carried its share of queries.
func (s *server) reusableUDP(udpMaxQueries int) *conn {
	e := s.connections.Front()
	if e == nil {
		return nil
	}
	cn := e.Value.(*conn)
	if cn.isTCP {
		return nil
	}
	if udpMaxQueries > 0 && cn.totalQueries >= udpMaxQueries {
		return nil
	}

	return cn
}

// openConn opens a new UDP or TCP connection to s and installs it in the connection list and the
// channel's socket index. The returned Status is StatusSuccess, StatusConnRefused or
// StatusBadFamily; the latter two are per-server conditions the caller converts into a skip.
func (t *Channel) openConn(s *server, tcp bool) (*conn, Status) {
	family := sockio.FamilyIPv4
	if s.addr.Is6() {
		family = sockio.FamilyIPv6
	}
	sotype := sockio.Datagram
	port := s.udpPort
	if tcp {
		sotype = sockio.Stream
		port = s.tcpPort
	}

	fd, err := t.io.OpenSocket(family, sotype)
	if err != nil {
		t.log.Warn("socket open failed", "server", s.addr, "tcp", tcp, "error", err)
		return nil, openStatus(err)
	}
	err = t.io.Connect(fd, netip.AddrPortFrom(s.addr, port))
	if err != nil {
		t.io.Close(fd)
		t.log.Warn("connect failed", "server", s.addr, "tcp", tcp, "error", err)
		return nil, openStatus(err)
	}

	cn := &conn{server: s, fd: fd, isTCP: tcp, queries: list.New()}
	var elem *list.Element
	if tcp {
		elem = s.connections.PushBack(cn)
		s.tcpConn = cn
		t.tcpGeneration++
		s.tcpGeneration = t.tcpGeneration
	} else {
		elem = s.connections.PushFront(cn)
	}
	t.connByFd[fd] = elem
	t.sockState(fd, true, false)
	t.log.Debug("connection opened", "server", s.addr, "fd", fd, "tcp", tcp)

	return cn, StatusSuccess
}

// openStatus classifies a socket-open or connect error into the per-server Status the retry
// policy acts on. Anything unrecognized is treated like a refusal: skip the server, try the next.
func openStatus(err error) Status {
	if errors.Is(err, sockio.ErrBadFamily) {
		return StatusBadFamily
	}

	return StatusConnRefused
}

// closeConn removes the connection from the socket index and the server's connection list, then
// closes the descriptor. The index entry goes first so no window exists in which the map resolves
// a dead descriptor. Queries still bound to the connection are the caller's responsibility -
// handleError steals them before calling here.
func (t *Channel) closeConn(cn *conn) {
	elem, ok := t.connByFd[cn.fd]
	if !ok {
		return // Already closed
	}
	delete(t.connByFd, cn.fd)
	cn.server.connections.Remove(elem)

	if cn.isTCP {
		s := cn.server
		s.tcpConn = nil
		t.tcpGeneration++
		s.tcpGeneration = t.tcpGeneration
		s.tcpParser = bytebuf.Buffer{} // Partial frames died with the stream
		s.tcpSend = bytebuf.Buffer{}
	}

	t.sockState(cn.fd, false, false)
	t.io.Close(cn.fd)
	t.log.Debug("connection closed", "server", cn.server.addr, "fd", cn.fd, "tcp", cn.isTCP)
}

// checkCleanup retires the connection on fd if it is an idle UDP socket that has carried its full
// quota of queries. Called after any processing step that may have emptied a connection's
// in-flight list. TCP connections are never retired here - they close on error or teardown.
func (t *Channel) checkCleanup(fd int) {
	cn := t.connForFd(fd)
	if cn == nil || cn.isTCP {
		return
	}
	if t.config.UDPMaxQueries > 0 && cn.queries.Len() == 0 && cn.totalQueries >= t.config.UDPMaxQueries {
		t.closeConn(cn)
	}
}
