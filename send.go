package asyncdns

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/miekg/dns"

	"github.com/markdingo/asyncdns/internal/dnsutil"
	"github.com/markdingo/asyncdns/internal/sockio"
)

// Send submits a pre-serialized DNS query. The bytes are copied, stamped with a freshly drawn
// transaction id (the id in wire is ignored) and sent to the first scheduled server; cb receives
// the terminal result exactly once, possibly synchronously from within this call. Submitting the
// same bytes twice yields two independent queries with independently drawn ids.
func (t *Channel) Send(wire []byte, cb Callback) {
	if cb == nil {
		return
	}
	if t.destroyed {
		cb(StatusCancelled, 0, nil)
		return
	}
	if len(wire) < consts.HeaderFixedLen || len(wire) > consts.MaxMessageSize {
		cb(StatusBadQuery, 0, nil)
		return
	}

	msg := &dns.Msg{}
	if msg.Unpack(wire) != nil {
		cb(StatusBadQuery, 0, nil)
		return
	}

	if len(t.qidMap) > math.MaxUint16 { // Every id is in flight
		cb(StatusNoMem, 0, nil)
		return
	}
	var id uint16
	for {
		id = t.idgen.ID()
		if _, dup := t.qidMap[id]; !dup {
			break
		}
	}

	q := &query{
		qid:        id,
		channel:    t,
		callback:   cb,
		questions:  msg.Question,
		errStatus:  StatusTimeout,
		serverInfo: make([]queryServerInfo, len(t.servers)),
	}

	q.tcpbuf = make([]byte, consts.TCPLengthLen+len(wire))
	binary.BigEndian.PutUint16(q.tcpbuf, uint16(len(wire)))
	copy(q.tcpbuf[consts.TCPLengthLen:], wire)
	binary.BigEndian.PutUint16(q.tcpbuf[consts.TCPLengthLen:], id)
	q.hasEDNS = dnsutil.TrimmableOPT(msg)

	if t.config.Rotate && t.config.Flags&FlagPrimary == 0 {
		q.serverIdx = t.lastServer
		t.lastServer = (t.lastServer + 1) % t.schedServers()
	}

	q.allElem = t.allQueries.PushBack(q)
	t.qidMap[id] = q
	t.submitted++

	t.sendQuery(q, t.now())
}

// SendMsg packs msg through the codec and submits it via Send. When the channel has EDNS enabled
// and msg carries no OPT RR, one advertising the configured payload size is appended to a copy;
// the caller's msg is never modified.
func (t *Channel) SendMsg(msg *dns.Msg, cb Callback) {
	if cb == nil {
		return
	}
	if t.edns && dnsutil.FindOPT(msg) == nil {
		msg = msg.Copy()
		msg.Extra = append(msg.Extra, dnsutil.NewOPT(t.config.EDNSPayloadSize))
	}

	wire, err := msg.Pack()
	if err != nil {
		cb(StatusBadQuery, 0, nil)
		return
	}

	t.Send(wire, cb)
}

// sendQuery transmits one attempt of q to its currently scheduled server: over the server's TCP
// stream when the query has been promoted, otherwise as a single UDP datagram. On a per-server
// failure the server is skipped for this query and the attempt falls through to nextServer. On
// success the query's deadline is computed and it is bound to the carrying connection.
func (t *Channel) sendQuery(q *query, now time.Time) Status {
	t.attempts++
	if q.tryCount > 0 {
		t.retries++
	}

	s := t.servers[q.serverIdx]
	var cn *conn

	if q.usingTCP {
		if s.tcpConn == nil {
			var st Status
			_, st = t.openConn(s, true)
			if st != StatusSuccess {
				q.errStatus = st
				t.skipServer(q, s.idx)
				return t.nextServer(q, now)
			}
		}
		cn = s.tcpConn

		pre := s.tcpSend.Len()
		s.tcpSend.Append(q.tcpbuf)
		if pre == 0 { // First queued bytes - the socket now wants write-readiness
			t.sockState(cn.fd, true, true)
		}
		q.serverInfo[q.serverIdx].tcpGeneration = s.tcpGeneration
	} else {
		cn = s.reusableUDP(t.config.UDPMaxQueries)
		if cn == nil {
			var st Status
			cn, st = t.openConn(s, false)
			if st != StatusSuccess {
				q.errStatus = st
				t.skipServer(q, s.idx)
				return t.nextServer(q, now)
			}
		}

		n, err := t.io.Write(cn.fd, q.wire())
		if err != nil || n != len(q.wire()) {
			// A datagram that doesn't go out whole goes nowhere. Would-block is
			// expected under pressure; anything else deserves a trace before the
			// server is skipped.
			if err != nil && !errors.Is(err, sockio.ErrWouldBlock) {
				t.log.Warn("UDP send failed", "server", s.addr, "qid", q.qid, "error", err)
			}
			q.errStatus = StatusConnRefused
			t.skipServer(q, s.idx)
			return t.nextServer(q, now)
		}
	}

	q.deadline = now.Add(backoffTimeout(t.config.Timeout, q.tryCount, t.schedServers()))
	t.insertTimeout(q)

	q.unbindConn()
	q.connElem = cn.queries.PushBack(q)
	q.conn = cn
	cn.totalQueries++

	t.log.Debug("query sent", "qid", q.qid, "server", s.addr, "tcp", q.usingTCP,
		"try", q.tryCount+1)

	return StatusSuccess
}

// backoffTimeout doubles the base timeout once per completed pass through the server list. The
// shift is applied only when every bit it would discard is zero; otherwise the result saturates
// at the maximum rather than wrapping the deadline backwards.
func backoffTimeout(base time.Duration, tryCount, nservers int) time.Duration {
	if nservers <= 0 {
		return base
	}
	shift := uint(tryCount / nservers)
	if shift == 0 {
		return base
	}
	if shift >= 63 || base > math.MaxInt64>>shift {
		return time.Duration(math.MaxInt64)
	}

	return base << shift
}
