package asyncdns

import (
	"container/list"
	"time"

	"github.com/miekg/dns"
)

// queryServerInfo is the per-query, per-server retry state.
type queryServerInfo struct {
	// skipServer tells the retry path to avoid this server for the rest of this query's
	// life. Set when the server refuses the query or its connection fails.
	skipServer bool

	// tcpGeneration is the channel generation of the TCP connection this query was last
	// written to on this server. Re-sending over the identical incarnation would be a wasted
	// duplicate, so the retry path only returns to this server once the generation moves.
	tcpGeneration uint32
}

// query is one in-flight request. It holds its own membership handles for every index it appears
// in so that any completion trigger can detach it in O(1). The conn pointer is a weak relation -
// it records where the pending attempt went, for reply validation and for the idle-connection
// sweep - never ownership.
type query struct {
	qid      uint16
	deadline time.Time
	channel  *Channel

	allElem     *list.Element // Node in channel.allQueries; nil once ended
	timeoutElem *list.Element // Node in channel.timeoutList
	connElem    *list.Element // Node in conn.queries; nil when no attempt is pending
	conn        *conn

	// tcpbuf is the serialized query with its two-octet length prefix, written verbatim on
	// TCP. wire() skips the prefix for UDP writes. The buffer is rewritten in place only by
	// the EDNS downgrade.
	tcpbuf []byte

	questions []dns.Question // Parsed from the query for validating echoed questions
	hasEDNS   bool           // tcpbuf ends in a bare OPT RR that the downgrade can trim

	callback Callback

	tryCount   int               // Attempts so far, including skipped candidates
	serverIdx  int               // Server the last attempt was aimed at
	serverInfo []queryServerInfo // Indexed by server position

	usingTCP  bool   // Promoted from false by truncation, never demoted
	errStatus Status // Last non-success observed; the terminal status if retries exhaust
	timeouts  int    // Expired attempts, reported to the callback
	noRetries bool   // Sticky; set during cancellation to decline further attempts
}

// wire returns the query bytes without the TCP length prefix.
func (q *query) wire() []byte {
	return q.tcpbuf[consts.TCPLengthLen:]
}

// unbindConn detaches the query from the connection its pending attempt was sent on. Safe to call
// when no attempt is pending.
func (q *query) unbindConn() {
	if q.connElem != nil && q.conn != nil {
		q.conn.queries.Remove(q.connElem)
	}
	q.connElem = nil
	q.conn = nil
}

// endQuery detaches the query from every index and then delivers its terminal result. Detachment
// happens first so a callback that cancels, destroys or submits afresh cannot observe - let alone
// double-complete - this query.
func (t *Channel) endQuery(q *query, status Status, reply []byte) {
	if q.allElem == nil {
		return // Already ended; nothing a second trigger can add
	}

	t.allQueries.Remove(q.allElem)
	q.allElem = nil
	delete(t.qidMap, q.qid)
	if q.timeoutElem != nil {
		t.timeoutList.Remove(q.timeoutElem)
		q.timeoutElem = nil
	}
	q.unbindConn()

	t.countTerminal(status)
	t.log.Debug("query complete", "qid", q.qid, "status", status.String(),
		"timeouts", q.timeouts)

	q.callback(status, q.timeouts, reply)
}

// insertTimeout (re)files the query in the deadline-ordered list. The scan runs from the tail
// because deadlines are near-monotonic - a fresh deadline is almost always the latest - making
// insertion O(1) in practice while keeping the list strictly ordered for the expiry walk.
func (t *Channel) insertTimeout(q *query) {
	if q.timeoutElem != nil {
		t.timeoutList.Remove(q.timeoutElem)
		q.timeoutElem = nil
	}

	for e := t.timeoutList.Back(); e != nil; e = e.Prev() {
		if !e.Value.(*query).deadline.After(q.deadline) {
			q.timeoutElem = t.timeoutList.InsertAfter(q, e)
			return
		}
	}
	q.timeoutElem = t.timeoutList.PushFront(q)
}
