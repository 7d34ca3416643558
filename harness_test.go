package asyncdns

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/markdingo/asyncdns/internal/sockio"
)

//////////////////////////////////////////////////////////////////////
// The mock provider replaces the system call sockio.Provider. It records every socket the engine
// opens, captures everything the engine writes and plays back whatever the test queues for
// receive. Nothing fancy - just enough to run the full query lifecycle without a kernel.
//////////////////////////////////////////////////////////////////////

type mockDatagram struct {
	from netip.AddrPort
	data []byte
}

type mockSocket struct {
	fd     int
	family sockio.Family
	sotype sockio.SocketType
	peer   netip.AddrPort
	closed bool

	dgramsOut [][]byte      // Datagrams the engine wrote
	dgramsIn  []mockDatagram // Queue returned by RecvFrom

	streamOut  []byte // Stream bytes the engine wrote
	streamIn   []byte // Queue returned by Recv
	peerClosed bool   // Recv returns 0, nil once streamIn drains

	writeErr error // Forced on every Write when set
}

type mockProvider struct {
	nextFd int
	socks  map[int]*mockSocket

	openErr    func(family sockio.Family, sotype sockio.SocketType) error
	connectErr func(addr netip.AddrPort) error
}

func newMockProvider() *mockProvider {
	return &mockProvider{nextFd: 100, socks: make(map[int]*mockSocket)}
}

func (t *mockProvider) OpenSocket(family sockio.Family, sotype sockio.SocketType) (int, error) {
	if t.openErr != nil {
		if err := t.openErr(family, sotype); err != nil {
			return -1, err
		}
	}
	fd := t.nextFd
	t.nextFd++
	t.socks[fd] = &mockSocket{fd: fd, family: family, sotype: sotype}

	return fd, nil
}

func (t *mockProvider) Connect(fd int, addr netip.AddrPort) error {
	if t.connectErr != nil {
		if err := t.connectErr(addr); err != nil {
			return err
		}
	}
	t.socks[fd].peer = addr

	return nil
}

func (t *mockProvider) Write(fd int, p []byte) (int, error) {
	s := t.socks[fd]
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	cp := append([]byte{}, p...)
	if s.sotype == sockio.Datagram {
		s.dgramsOut = append(s.dgramsOut, cp)
	} else {
		s.streamOut = append(s.streamOut, cp...)
	}

	return len(p), nil
}

func (t *mockProvider) RecvFrom(fd int, p []byte) (int, netip.AddrPort, error) {
	s := t.socks[fd]
	if len(s.dgramsIn) == 0 {
		return 0, netip.AddrPort{}, sockio.ErrWouldBlock
	}
	d := s.dgramsIn[0]
	s.dgramsIn = s.dgramsIn[1:]

	return copy(p, d.data), d.from, nil
}

func (t *mockProvider) Recv(fd int, p []byte) (int, error) {
	s := t.socks[fd]
	if len(s.streamIn) > 0 {
		n := copy(p, s.streamIn)
		s.streamIn = s.streamIn[n:]
		return n, nil
	}
	if s.peerClosed {
		return 0, nil
	}

	return 0, sockio.ErrWouldBlock
}

func (t *mockProvider) Close(fd int) error {
	t.socks[fd].closed = true

	return nil
}

// udpSockTo returns the most recently opened live UDP socket connected to addr.
func (t *mockProvider) udpSockTo(addr netip.Addr) *mockSocket {
	var found *mockSocket
	for _, s := range t.socks {
		if s.sotype == sockio.Datagram && !s.closed && s.peer.Addr() == addr {
			if found == nil || s.fd > found.fd {
				found = s
			}
		}
	}

	return found
}

// tcpSockTo returns the most recently opened live TCP socket connected to addr.
func (t *mockProvider) tcpSockTo(addr netip.Addr) *mockSocket {
	var found *mockSocket
	for _, s := range t.socks {
		if s.sotype == sockio.Stream && !s.closed && s.peer.Addr() == addr {
			if found == nil || s.fd > found.fd {
				found = s
			}
		}
	}

	return found
}

func (t *mockProvider) openCount(sotype sockio.SocketType) int {
	count := 0
	for _, s := range t.socks {
		if s.sotype == sotype {
			count++
		}
	}

	return count
}

//////////////////////////////////////////////////////////////////////
// A hand-cranked clock. The engine sees time move only when the test says so.
//////////////////////////////////////////////////////////////////////

type mockClock struct {
	current time.Time
}

func newMockClock() *mockClock {
	return &mockClock{current: time.Unix(1700000000, 0)}
}

func (t *mockClock) now() time.Time {
	return t.current
}

func (t *mockClock) advance(d time.Duration) {
	t.current = t.current.Add(d)
}

//////////////////////////////////////////////////////////////////////
// Harness gluing provider, clock and channel together with a callback recorder.
//////////////////////////////////////////////////////////////////////

type result struct {
	status   Status
	timeouts int
	reply    []byte
}

type harness struct {
	t       *testing.T
	prov    *mockProvider
	clock   *mockClock
	ch      *Channel
	results []result
}

var (
	addrA = netip.MustParseAddr("127.0.0.1")
	addrB = netip.MustParseAddr("127.0.0.2")
	addrC = netip.MustParseAddr("127.0.0.3")
)

func serverList(addrs ...netip.Addr) []ServerAddr {
	var list []ServerAddr
	for _, a := range addrs {
		list = append(list, ServerAddr{Addr: a, UDPPort: 5300, TCPPort: 5300})
	}

	return list
}

func newHarness(t *testing.T, config Config) *harness {
	h := &harness{t: t, prov: newMockProvider(), clock: newMockClock()}
	config.Provider = h.prov
	config.NowFunc = h.clock.now

	var err error
	h.ch, err = New(config)
	if err != nil {
		t.Fatal("New() failed during setup", err)
	}

	return h
}

func (h *harness) callback() Callback {
	return func(status Status, timeouts int, reply []byte) {
		h.results = append(h.results, result{status, timeouts, reply})
	}
}

// step feeds every currently pollable descriptor plus the clock into the channel.
func (h *harness) step() {
	readFds, writeFds := h.ch.GetSock()
	h.ch.Process(readFds, writeFds)
}

// deliverUDP queues a datagram on sock and runs a read step for it.
func (h *harness) deliverUDP(sock *mockSocket, from netip.AddrPort, data []byte) {
	sock.dgramsIn = append(sock.dgramsIn, mockDatagram{from: from, data: data})
	h.ch.Process([]int{sock.fd}, nil)
}

// deliverTCP queues framed stream bytes on sock and runs a read step for it.
func (h *harness) deliverTCP(sock *mockSocket, data []byte) {
	sock.streamIn = append(sock.streamIn, data...)
	h.ch.Process([]int{sock.fd}, nil)
}

//////////////////////////////////////////////////////////////////////
// Wire helpers
//////////////////////////////////////////////////////////////////////

// mkQuery serializes a single-question query. The engine replaces the id at submission.
func mkQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	msg := &dns.Msg{}
	msg.SetQuestion(dns.Fqdn(name), qtype)
	wire, err := msg.Pack()
	if err != nil {
		t.Fatal("Setup failed packing query", err)
	}

	return wire
}

// mkReply builds a response to the captured query bytes. mutate, if non-nil, adjusts the reply
// before packing - set an rcode, the TC bit, a different question, whatever the test needs.
func mkReply(t *testing.T, queryWire []byte, mutate func(*dns.Msg)) []byte {
	t.Helper()
	qMsg := &dns.Msg{}
	err := qMsg.Unpack(queryWire)
	if err != nil {
		t.Fatal("Setup failed unpacking captured query", err)
	}

	reply := &dns.Msg{}
	reply.SetReply(qMsg)
	if len(qMsg.Question) > 0 {
		reply.Answer = append(reply.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: qMsg.Question[0].Name, Rrtype: dns.TypeA,
				Class: dns.ClassINET, Ttl: 300},
			A: net.ParseIP("93.184.216.34"),
		})
	}
	if mutate != nil {
		mutate(reply)
	}

	wire, err := reply.Pack()
	if err != nil {
		t.Fatal("Setup failed packing reply", err)
	}

	return wire
}

// frame prepends the two-octet TCP length prefix.
func frame(payload []byte) []byte {
	return append([]byte{byte(len(payload) >> 8), byte(len(payload))}, payload...)
}

var fromA = netip.AddrPortFrom(addrA, 5300)
var fromB = netip.AddrPortFrom(addrB, 5300)

//////////////////////////////////////////////////////////////////////
// Index invariant checks used by several tests after interesting transitions.
//////////////////////////////////////////////////////////////////////

func verifyIndexes(t *testing.T, ch *Channel) {
	t.Helper()

	if ch.allQueries.Len() != len(ch.qidMap) {
		t.Error("allQueries and qidMap disagree:", ch.allQueries.Len(), "vs", len(ch.qidMap))
	}
	if ch.allQueries.Len() != ch.timeoutList.Len() {
		t.Error("allQueries and timeoutList disagree:", ch.allQueries.Len(), "vs", ch.timeoutList.Len())
	}

	for e := ch.allQueries.Front(); e != nil; e = e.Next() {
		q := e.Value.(*query)
		if ch.qidMap[q.qid] != q {
			t.Error("qidMap does not resolve qid", q.qid, "back to its query")
		}
		if q.timeoutElem == nil {
			t.Error("live query", q.qid, "missing from timeoutList")
		}
		if q.connElem != nil && q.conn == nil {
			t.Error("query", q.qid, "has a connection node but no connection")
		}
	}

	var prev time.Time
	for e := ch.timeoutList.Front(); e != nil; e = e.Next() {
		d := e.Value.(*query).deadline
		if d.Before(prev) {
			t.Error("timeoutList is not ascending")
		}
		prev = d
	}

	for fd, elem := range ch.connByFd {
		if elem.Value.(*conn).fd != fd {
			t.Error("connByFd maps", fd, "to a connection with fd", elem.Value.(*conn).fd)
		}
	}
}
