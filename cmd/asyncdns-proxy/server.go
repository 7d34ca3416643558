package main

/*

This module is the listen side of the proxy. Inbound queries from traditional DNS clients are
re-serialized and handed to the forwarder, which resolves them through the shared asyncdns
channel; the response comes back with the engine's transaction id so it is re-stamped with the
client's before being written back.

Truncation needs care in both directions. The engine already re-queries upstream over TCP when an
upstream response is truncated, but a complete upstream response can still exceed what our own UDP
client can accept, in which case we truncate it ourselves honoring any size the client advertised
via EDNS0. We never clear an upstream TC=1 - that would rob the client of the knowledge that a TCP
re-query is worthwhile.

*/

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/markdingo/asyncdns"

	"github.com/miekg/dns"
)

const ( // ser = Server ERror index into failureCounters
	serPackFailed = iota // Inbound query would not re-serialize
	serNoResponse        // Forwarder returned a failure status
	serUnpackFailed      // Upstream response would not parse
	serDNSWriteFailed
	serListSize
)

type stats struct {
	successCount    int
	totalLatency    time.Duration
	outTruncated    int // Responses we truncated for a UDP client
	failureCounters [serListSize]int
}

type server struct {
	stdout        io.Writer
	forwarder     *forwarder
	listenAddress string
	transport     string // One of the listenTransports
	server        *dns.Server

	mu sync.RWMutex // Protects everything below - everything above is read-only or self-protected
	stats
}

// start starts up the dns server and writes to errorChan at server exit. Use the server's
// NotifyStartedFunc capability to actually wait until the socket is opened. That way we don't
// have to fudge a setuid delay. The error case of a socket that cannot be opened causes an early
// return of ListenAndServe and no call to the NotifyStartedFunc, which requires a bit of juggling
// to return to the caller in a consistent state.
func (t *server) start(errorChan chan error, wg *sync.WaitGroup) {
	var notifyWG sync.WaitGroup
	var once sync.Once

	notifyWG.Add(1)
	t.server = &dns.Server{Addr: t.listenAddress, Net: t.transport, Handler: t,
		NotifyStartedFunc: func() {
			once.Do(func() { notifyWG.Done() })
		}}

	wg.Add(1) // Add to caller's waitGroup
	go func() {
		errorChan <- t.server.ListenAndServe()
		once.Do(func() { notifyWG.Done() })
		wg.Done()
	}()
	notifyWG.Wait() // Wait for dns.Server notify before returning to say server is listening (or failed)
}

// ServeDNS is called once per query in a newly created go-routine.
func (t *server) ServeDNS(writer dns.ResponseWriter, query *dns.Msg) {
	wire, err := query.Pack()
	if err != nil {
		t.addFailure(serPackFailed)
		return
	}

	startTime := time.Now()
	status, reply := t.forwarder.resolve(wire)
	duration := time.Now().Sub(startTime)

	if status != asyncdns.StatusSuccess {
		t.addFailure(serNoResponse)
		if cfg.logClientOut {
			fmt.Fprintln(t.stdout, "CE:", query.Question[0].Name, status.String())
		}
		// The client deserves something it can act on rather than silence
		failMsg := &dns.Msg{}
		failMsg.SetRcode(query, dns.RcodeServerFailure)
		writer.WriteMsg(failMsg)
		return
	}

	resp := &dns.Msg{}
	if resp.Unpack(reply) != nil {
		t.addFailure(serUnpackFailed)
		return
	}
	resp.Id = query.Id // The engine resolved under its own transaction id

	// Truncate for a UDP client that cannot take the full response. The client's size limit
	// comes from the inbound query's OPT, never from anything in the upstream response.
	if t.transport == consts.DNSUDPTransport && resp.Len() > consts.MaxUDPMessage {
		limit := consts.MaxUDPMessage
		opt := query.IsEdns0()
		if opt != nil && int(opt.UDPSize()) > limit {
			limit = int(opt.UDPSize())
		}
		if resp.Len() > limit {
			preserveTruncated := resp.Truncated
			resp.Truncate(limit)
			resp.Truncated = resp.Truncated || preserveTruncated
			t.addOutTruncated()
		}
	}

	err = writer.WriteMsg(resp)
	if err != nil {
		t.addFailure(serDNSWriteFailed)
		return
	}

	t.addSuccess(duration)
	if cfg.logClientOut {
		fmt.Fprintln(t.stdout, "CO:", query.Question[0].Name, duration.Truncate(time.Millisecond))
	}
}

// stop performs an orderly shutdown of listen sockets.
func (t *server) stop() {
	if t.server != nil {
		t.server.Shutdown()
	}
}

//////////////////////////////////////////////////////////////////////

func (t *server) addSuccess(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.successCount++
	t.totalLatency += latency
}

func (t *server) addFailure(ser int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failureCounters[ser]++
}

func (t *server) addOutTruncated() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.outTruncated++
}

func (t *server) Name() string {
	return t.transport + "/" + t.listenAddress
}

/*
Report returns a single-line string showing listen-side stats. Zero counters if resetCounters is
true.

Listen: req=123 ok=120 tc=1 errs=3 (0/2/0/1) al=0.012
        ^       ^      ^    ^       ^         ^
        |       |      |    |       |         +--Average latency of good requests
        |       |      |    |       +--Pack/no-response/unpack/write failures
        |       |      |    +--Total failed requests
        |       |      +--Responses truncated for UDP clients
        |       +--Good requests
        +--Total requests
*/
func (t *server) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	errs := 0
	for _, v := range t.failureCounters {
		errs += v
	}
	var al float64
	if t.successCount > 0 {
		al = t.totalLatency.Seconds() / float64(t.successCount)
	}
	report := fmt.Sprintf("Listen: req=%d ok=%d tc=%d errs=%d (%s) al=%0.3f",
		t.successCount+errs, t.successCount, t.outTruncated, errs,
		formatCounters("%d", "/", t.failureCounters[:]), al)

	if resetCounters {
		t.stats = stats{}
	}

	return report
}

// formatCounters returns a nice %d/%d/%d format from an array of ints. This is less error-prone
// than hard-coding one big ol' Sprintf string but obviously slower which is irrelevant here.
func formatCounters(vfmt string, delim string, vals []int) string {
	res := ""
	for ix, v := range vals {
		if ix > 0 {
			res += delim
		}
		res += fmt.Sprintf(vfmt, v)
	}

	return res
}
