package asyncdns

import (
	"encoding/binary"
	"time"

	"github.com/miekg/dns"

	"github.com/markdingo/asyncdns/internal/dnsutil"
)

// Process is one cooperative step: it services the supplied ready descriptors and then expires
// any due deadlines. Within the step the order is fixed - TCP writes, then reads, then timeouts -
// so a reply that arrives in the same step as its deadline wins. The call runs to completion
// without yielding; all resulting callbacks fire before it returns.
//
// Descriptors the channel no longer owns are ignored, so callers need not reconcile a stale poll
// result against connection churn.
func (t *Channel) Process(readFds, writeFds []int) {
	now := t.now()

	for _, fd := range writeFds {
		cn := t.connForFd(fd)
		if cn != nil && cn.isTCP {
			t.writeTCP(cn, now)
		}
	}

	for _, fd := range readFds {
		cn := t.connForFd(fd)
		if cn == nil {
			continue
		}
		if cn.isTCP {
			t.readTCP(cn, now)
		} else {
			t.readUDP(cn, now)
		}
	}

	t.processTimeouts(now)
}

// ProcessFD is Process for callers tracking single descriptors rather than sets. Pass NoSocket
// for either side; ProcessFD(NoSocket, NoSocket) just expires due deadlines.
func (t *Channel) ProcessFD(readFd, writeFd int) {
	var readFds, writeFds []int
	if readFd != NoSocket {
		readFds = []int{readFd}
	}
	if writeFd != NoSocket {
		writeFds = []int{writeFd}
	}

	t.Process(readFds, writeFds)
}

// processAnswer dispatches one candidate response arriving on cn. The reply must parse, match a
// live query by transaction id and echo that query's questions exactly; otherwise it is dropped
// in silence and the query - if any - keeps waiting for its deadline. A surviving reply is then
// run through the recovery ladder (EDNS downgrade, TCP promotion, server refusal) before being
// accepted as terminal.
func (t *Channel) processAnswer(abuf []byte, cn *conn, now time.Time, viaTCP bool) {
	defer t.checkCleanup(cn.fd) // Whatever happens below may have idled the connection

	msg := &dns.Msg{}
	if msg.Unpack(abuf) != nil {
		t.drops[dfxParse]++
		return
	}

	q, ok := t.qidMap[msg.Id]
	if !ok {
		t.drops[dfxQidMiss]++
		return
	}
	if !dnsutil.QuestionsEqual(q.questions, msg.Question) {
		t.drops[dfxQuestionMismatch]++
		t.log.Debug("response with mismatched question dropped", "qid", msg.Id)
		return
	}

	// The pending attempt has been answered; whether the answer is acceptable is decided
	// below, but the attempt itself is done.
	q.unbindConn()

	// A server that answers FORMERR without echoing our OPT RR predates EDNS0. Downgrade the
	// whole channel - one such server poisons the well for little gain - trim the OPT off the
	// in-flight buffer and re-ask.
	if t.edns && msg.Rcode == dns.RcodeFormatError && dnsutil.FindOPT(msg) == nil && q.hasEDNS {
		q.tcpbuf = q.tcpbuf[:len(q.tcpbuf)-consts.EDNSFixedLen]
		binary.BigEndian.PutUint16(q.tcpbuf, uint16(len(q.tcpbuf)-consts.TCPLengthLen))
		arcountOff := consts.TCPLengthLen + 10 // ARCOUNT is header bytes 10-11
		q.tcpbuf[arcountOff] = 0
		q.tcpbuf[arcountOff+1] = 0
		q.hasEDNS = false
		t.edns = false
		t.ednsFallbacks++
		t.log.Debug("server rejected EDNS0; disabled for channel", "server", cn.server.addr)
		t.sendQuery(q, now)
		return
	}

	// A truncated (or over-long) UDP response carries only a fragment of the answer. Re-ask
	// once over TCP; if this query is already TCP-promoted the duplicate UDP reply is stale -
	// drop it and let the deadline decide.
	maxUDP := consts.MaxUDPMessage
	if t.edns {
		maxUDP = int(t.config.EDNSPayloadSize)
	}
	if (msg.Truncated || len(abuf) > maxUDP) && !viaTCP && t.config.Flags&FlagIgnTC == 0 {
		if !q.usingTCP {
			q.usingTCP = true
			t.tcpPromotions++
			t.sendQuery(q, now)
		}
		return
	}

	// SERVFAIL, NOTIMP and REFUSED say more about the server than the query. Record the
	// refusal, avoid this server for the rest of this query's life and move along.
	if t.config.Flags&FlagNoCheckResp == 0 {
		refusal := StatusSuccess
		switch msg.Rcode {
		case dns.RcodeServerFailure:
			refusal = StatusServFail
		case dns.RcodeNotImplemented:
			refusal = StatusNotImp
		case dns.RcodeRefused:
			refusal = StatusRefused
		}
		if refusal != StatusSuccess {
			q.errStatus = refusal
			t.skipServer(q, cn.server.idx)
			t.nextServer(q, now)
			return
		}
	}

	t.endQuery(q, StatusSuccess, abuf)
}
