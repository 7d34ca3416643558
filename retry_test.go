package asyncdns

import (
	"errors"
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/markdingo/asyncdns/internal/sockio"
)

// Three servers and two tries each allow exactly six attempts; the seventh must not occur. The
// per-attempt timeout doubles once per completed pass through the server list.
func TestAttemptBudget(t *testing.T) {
	h := newHarness(t, Config{Servers: serverList(addrA, addrB, addrC),
		Timeout: time.Second, Tries: 2})
	h.ch.Send(mkQuery(t, "example.com", dns.TypeA), h.callback())

	expected := []time.Duration{ // Attempt deadlines: base, base, base, doubled...
		time.Second, time.Second, time.Second,
		2 * time.Second, 2 * time.Second, 2 * time.Second,
	}
	for ix, want := range expected {
		got := h.ch.Timeout(time.Hour)
		if got != want {
			t.Error("Attempt", ix+1, "deadline interval should be", want, "not", got)
		}
		h.clock.advance(want)
		h.ch.Process(nil, nil)
	}

	if len(h.results) != 1 {
		t.Fatal("Expected the query to end after six attempts, got", len(h.results), "callbacks")
	}
	r := h.results[0]
	if r.status != StatusTimeout || r.timeouts != 6 {
		t.Error("Expected TIMEOUT with timeouts=6, got", r.status, r.timeouts)
	}

	writes := 0
	for _, s := range h.prov.socks {
		writes += len(s.dgramsOut)
	}
	if writes != 6 {
		t.Error("Expected exactly six wire attempts, counted", writes)
	}

	h.clock.advance(time.Hour) // The seventh attempt must never materialize
	h.step()
	for _, s := range h.prov.socks {
		writes -= len(s.dgramsOut)
	}
	if writes != 0 {
		t.Error("Wire attempts continued after the budget was spent")
	}
}

// With Rotate set, successive queries start at successive servers.
func TestRotate(t *testing.T) {
	h := newHarness(t, Config{Servers: serverList(addrA, addrB), Rotate: true,
		Timeout: time.Second, Tries: 1})

	for i := 0; i < 3; i++ {
		h.ch.Send(mkQuery(t, "example.com", dns.TypeA), h.callback())
	}

	sockA := h.prov.udpSockTo(addrA)
	sockB := h.prov.udpSockTo(addrB)
	if sockA == nil || len(sockA.dgramsOut) != 2 {
		t.Error("First server should carry queries one and three")
	}
	if sockB == nil || len(sockB.dgramsOut) != 1 {
		t.Error("Second server should carry query two")
	}
}

// Without Rotate every query starts at the first server.
func TestNoRotate(t *testing.T) {
	h := newHarness(t, Config{Servers: serverList(addrA, addrB), Timeout: time.Second, Tries: 1})

	for i := 0; i < 3; i++ {
		h.ch.Send(mkQuery(t, "example.com", dns.TypeA), h.callback())
	}
	if h.prov.udpSockTo(addrB) != nil {
		t.Error("Second server should be untouched without Rotate")
	}
}

// FlagPrimary confines everything to the first server: refusals retry it rather than rotating,
// and the attempt budget is tries alone.
func TestPrimaryOnly(t *testing.T) {
	h := newHarness(t, Config{Servers: serverList(addrA, addrB), Flags: FlagPrimary,
		Timeout: time.Second, Tries: 2})
	h.ch.Send(mkQuery(t, "example.com", dns.TypeA), h.callback())

	servfail := func(m *dns.Msg) {
		m.Rcode = dns.RcodeServerFailure
		m.Answer = nil
	}
	sockA := h.prov.udpSockTo(addrA)
	h.deliverUDP(sockA, fromA, mkReply(t, sockA.dgramsOut[0], servfail))

	if len(h.results) != 0 {
		t.Fatal("First refusal should retry the primary, not complete")
	}
	if len(sockA.dgramsOut) != 2 {
		t.Fatal("Refused query should have been re-sent to the primary")
	}
	if h.prov.udpSockTo(addrB) != nil {
		t.Fatal("FlagPrimary must never touch the second server")
	}

	h.deliverUDP(sockA, fromA, mkReply(t, sockA.dgramsOut[1], servfail))
	if len(h.results) != 1 || h.results[0].status != StatusServFail {
		t.Fatal("Budget exhausted on the primary should end with SERVFAIL, got", h.results)
	}
}

// A UDP socket that has carried its quota of queries is not reused and is retired once idle.
func TestUDPMaxQueries(t *testing.T) {
	h := newHarness(t, Config{Servers: serverList(addrA), Timeout: time.Second, Tries: 1,
		UDPMaxQueries: 1})

	h.ch.Send(mkQuery(t, "example.com", dns.TypeA), h.callback())
	first := h.prov.udpSockTo(addrA)
	h.deliverUDP(first, fromA, mkReply(t, first.dgramsOut[0], nil))
	if !first.closed {
		t.Error("Spent UDP socket should be retired once idle")
	}

	h.ch.Send(mkQuery(t, "example.com", dns.TypeA), h.callback())
	second := h.prov.udpSockTo(addrA)
	if second == nil || second.fd == first.fd {
		t.Error("Second query should ride a fresh UDP socket")
	}
}

// A hard UDP write error skips the server for that query and moves to the next.
func TestUDPWriteErrorSkips(t *testing.T) {
	h := newHarness(t, Config{Servers: serverList(addrA, addrB), Timeout: time.Second, Tries: 1})

	// Prime a reusable socket to the first server, then break it
	h.ch.Send(mkQuery(t, "example.com", dns.TypeA), h.callback())
	sockA := h.prov.udpSockTo(addrA)
	h.deliverUDP(sockA, fromA, mkReply(t, sockA.dgramsOut[0], nil))
	sockA.writeErr = errors.New("operation not permitted")

	h.ch.Send(mkQuery(t, "example.com", dns.TypeA), h.callback())
	sockB := h.prov.udpSockTo(addrB)
	if sockB == nil || len(sockB.dgramsOut) != 1 {
		t.Fatal("Write failure should have moved the query to the second server")
	}
	h.deliverUDP(sockB, fromB, mkReply(t, sockB.dgramsOut[0], nil))
	if len(h.results) != 2 || h.results[1].status != StatusSuccess {
		t.Fatal("Query should complete via the second server, got", h.results)
	}
}

// Every connection attempt refused on a single-server channel: the terminal status is the
// refusal, with no timeouts manufactured along the way.
func TestConnRefusedTerminal(t *testing.T) {
	h := newHarness(t, Config{Servers: serverList(addrA), Timeout: time.Second, Tries: 2})
	h.prov.connectErr = func(addr netip.AddrPort) error {
		return sockio.ErrConnRefused
	}

	h.ch.Send(mkQuery(t, "example.com", dns.TypeA), h.callback())

	if len(h.results) != 1 {
		t.Fatal("Expected synchronous terminal failure, got", len(h.results), "callbacks")
	}
	r := h.results[0]
	if r.status != StatusConnRefused {
		t.Error("Expected CONNREFUSED, got", r.status)
	}
	if r.timeouts != 0 {
		t.Error("No attempt ever reached the wire so timeouts should be 0, not", r.timeouts)
	}
	if h.ch.Pending() != 0 {
		t.Error("Failed query lingers in the indexes")
	}
}

// An unsupported address family reports as such.
func TestBadFamilyTerminal(t *testing.T) {
	h := newHarness(t, Config{Servers: serverList(addrA), Timeout: time.Second, Tries: 1})
	h.prov.openErr = func(family sockio.Family, sotype sockio.SocketType) error {
		return sockio.ErrBadFamily
	}

	h.ch.Send(mkQuery(t, "example.com", dns.TypeA), h.callback())
	if len(h.results) != 1 || h.results[0].status != StatusBadFamily {
		t.Fatal("Expected BADFAMILY, got", h.results)
	}
}

type backoffTestCase struct {
	base     time.Duration
	tryCount int
	nservers int
	want     time.Duration
}

var backoffTestCases = []backoffTestCase{
	{time.Second, 0, 1, time.Second},
	{time.Second, 1, 1, 2 * time.Second},
	{time.Second, 2, 1, 4 * time.Second},
	{time.Second, 2, 3, time.Second},     // First pass through three servers
	{time.Second, 5, 3, 2 * time.Second}, // Second pass
	{time.Second, 0, 0, time.Second},     // Degenerate server count
	{time.Second, 70, 1, time.Duration(math.MaxInt64)},                 // Shift out of range
	{time.Duration(math.MaxInt64/2 + 1), 1, 1, time.Duration(math.MaxInt64)}, // Bit would shift out
	{time.Duration(math.MaxInt64 / 2), 1, 1, time.Duration(math.MaxInt64 / 2 * 2)},
}

func TestBackoffTimeout(t *testing.T) {
	for tx, tc := range backoffTestCases {
		got := backoffTimeout(tc.base, tc.tryCount, tc.nservers)
		if got != tc.want {
			t.Error(tx, "backoffTimeout(", tc.base, tc.tryCount, tc.nservers, ") =", got,
				"want", tc.want)
		}
	}
}
