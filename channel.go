package asyncdns

import (
	"container/list"
	"errors"
	"slices"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/markdingo/asyncdns/internal/constants"
	"github.com/markdingo/asyncdns/internal/qid"
	"github.com/markdingo/asyncdns/internal/sockio"
)

var consts = constants.Get()

// Channel is the top-level resolver context: configuration, the server list and every index of
// in-flight queries. A Channel is confined to a single goroutine - it performs no locking and
// none of its methods may be called concurrently.
//
// Every live query is simultaneously a member of allQueries, qidMap and timeoutList, and of at
// most one connection's in-flight list. All four memberships are maintained with O(1) removal via
// handles held on the query itself, so any trigger - reply, deadline, connection failure,
// cancellation - can detach the query from every index without scanning.
type Channel struct {
	config Config
	log    hclog.Logger
	io     sockio.Provider
	now    func() time.Time
	idgen  *qid.Generator

	servers    []*server
	lastServer int // Starting server for the next query when Rotate is set

	// tcpGeneration counts TCP connection opens and closes channel-wide. Each server stamps
	// the current value onto itself at every open and close of its TCP connection, and each
	// query records the stamp it was sent under, so the retry path can tell "same TCP
	// incarnation I already wrote to" from "a fresh connection worth trying".
	tcpGeneration uint32

	allQueries  *list.List            // Every live *query
	qidMap      map[uint16]*query     // Transaction id -> live query
	timeoutList *list.List            // Live *query ordered by ascending deadline
	connByFd    map[int]*list.Element // Socket fd -> node in the owning server's connection list

	edns      bool // Cleared for the life of the channel by the FORMERR downgrade
	destroyed bool

	channelStats
}

// New constructs a Channel. The supplied Config is copied; subsequent modification of it by the
// caller has no effect.
func New(config Config) (*Channel, error) {
	t := &Channel{config: config}

	if t.config.Timeout <= 0 {
		t.config.Timeout = DefaultTimeout
	}
	if t.config.Tries <= 0 {
		t.config.Tries = DefaultTries
	}
	if t.config.UDPPort == 0 {
		t.config.UDPPort = consts.DNSDefaultPort
	}
	if t.config.TCPPort == 0 {
		t.config.TCPPort = consts.DNSDefaultPort
	}
	if t.config.EDNSPayloadSize == 0 {
		t.config.EDNSPayloadSize = consts.EDNSPacketSize
	}
	if t.config.EDNSPayloadSize < uint16(consts.MaxUDPMessage) {
		t.config.EDNSPayloadSize = uint16(consts.MaxUDPMessage)
	}
	if t.config.EDNSPayloadSize > consts.MaxEDNSPacketSize {
		t.config.EDNSPayloadSize = consts.MaxEDNSPacketSize
	}

	t.log = t.config.Logger
	if t.log == nil {
		t.log = hclog.NewNullLogger()
	}
	t.io = t.config.Provider
	if t.io == nil {
		t.io = defaultProvider()
		if t.io == nil {
			return nil, errors.New(me + ": No default socket provider on this platform - set Config.Provider")
		}
	}
	t.now = t.config.NowFunc
	if t.now == nil {
		t.now = time.Now
	}

	var err error
	t.idgen, err = qid.New()
	if err != nil {
		return nil, err
	}

	t.servers, err = t.buildServers(t.config.Servers)
	if err != nil {
		return nil, err
	}

	t.allQueries = list.New()
	t.qidMap = make(map[uint16]*query)
	t.timeoutList = list.New()
	t.connByFd = make(map[int]*list.Element)
	t.edns = t.config.Flags&FlagEDNS != 0

	return t, nil
}

// buildServers validates and converts the configured addresses into server state.
func (t *Channel) buildServers(addrs []ServerAddr) ([]*server, error) {
	if len(addrs) == 0 {
		return nil, errors.New(me + ": At least one server is required")
	}

	servers := make([]*server, 0, len(addrs))
	for ix, sa := range addrs {
		if !sa.Addr.IsValid() {
			return nil, errors.New(me + ": Server address " + sa.Addr.String() + " is invalid")
		}
		s := &server{
			channel: t,
			idx:     ix,
			addr:    sa.Addr.Unmap(),
			udpPort: sa.UDPPort,
			tcpPort: sa.TCPPort,
		}
		if s.udpPort == 0 {
			s.udpPort = t.config.UDPPort
		}
		if s.tcpPort == 0 {
			s.tcpPort = t.config.TCPPort
		}
		s.connections = list.New()
		servers = append(servers, s)
	}

	return servers, nil
}

// schedServers is the server count the scheduling arithmetic uses. FlagPrimary confines rotation,
// the attempt budget and the backoff doubling to the first server.
func (t *Channel) schedServers() int {
	if t.config.Flags&FlagPrimary != 0 {
		return 1
	}

	return len(t.servers)
}

// Pending returns the number of queries not yet completed.
func (t *Channel) Pending() int {
	return t.allQueries.Len()
}

// GetSock returns the descriptors the caller should poll on behalf of the channel: every open
// socket for readability, plus any TCP socket with unsent bytes for writability. Both slices are
// sorted so successive calls are comparable.
func (t *Channel) GetSock() (readFds, writeFds []int) {
	for fd, elem := range t.connByFd {
		cn := elem.Value.(*conn)
		readFds = append(readFds, fd)
		if cn.isTCP && cn.server.tcpSend.Len() > 0 {
			writeFds = append(writeFds, fd)
		}
	}
	slices.Sort(readFds)
	slices.Sort(writeFds)

	return readFds, writeFds
}

// Timeout returns how long the caller's poll may sleep before the earliest pending deadline
// needs servicing, capped at max. With nothing pending it returns max.
func (t *Channel) Timeout(max time.Duration) time.Duration {
	e := t.timeoutList.Front()
	if e == nil {
		return max
	}

	d := e.Value.(*query).deadline.Sub(t.now())
	if d < 0 {
		d = 0
	}
	if d > max {
		d = max
	}

	return d
}

// CancelAll terminates every outstanding query with StatusCancelled. Each callback is invoked
// exactly once, synchronously. Connections stay open for subsequent queries.
func (t *Channel) CancelAll() {
	for {
		e := t.allQueries.Front()
		if e == nil {
			break
		}
		q := e.Value.(*query)
		q.noRetries = true
		t.endQuery(q, StatusCancelled, nil)
	}
}

// Destroy cancels every outstanding query, closes every connection and renders the channel
// inert: subsequent Sends complete immediately with StatusCancelled.
func (t *Channel) Destroy() {
	if t.destroyed {
		return
	}
	t.destroyed = true
	t.CancelAll()
	for _, s := range t.servers {
		t.closeServerConns(s)
	}
}

// SetServers replaces the server list. Refused while queries are outstanding as every live query
// carries per-server retry state that cannot be re-bound to a different list.
func (t *Channel) SetServers(addrs []ServerAddr) error {
	if t.allQueries.Len() > 0 {
		return errors.New(me + ": Cannot change servers while queries are outstanding")
	}

	servers, err := t.buildServers(addrs)
	if err != nil {
		return err
	}

	for _, s := range t.servers {
		t.closeServerConns(s)
	}
	t.servers = servers
	t.lastServer = 0

	return nil
}

func (t *Channel) closeServerConns(s *server) {
	for {
		e := s.connections.Front()
		if e == nil {
			break
		}
		t.closeConn(e.Value.(*conn))
	}
}

// connForFd resolves a descriptor to its connection, or nil for descriptors the channel does not
// (or no longer does) own.
func (t *Channel) connForFd(fd int) *conn {
	elem, ok := t.connByFd[fd]
	if !ok {
		return nil
	}

	return elem.Value.(*conn)
}

// sockState tells the caller about a change to the channel's interest in a socket.
func (t *Channel) sockState(fd int, readable, writable bool) {
	if t.config.SockState != nil {
		t.config.SockState(fd, readable, writable)
	}
}
