package asyncdns

import (
	"container/list"
	"time"
)

// processTimeouts expires every query whose deadline has arrived - a deadline equal to now is
// already expired - and rotates each to its next server. The walk stops at the first unexpired
// entry, which is sound because the list is kept in ascending (non-decreasing) deadline order.
// The successor is captured
// before each query is processed as rotation unlinks and refiles the current node.
func (t *Channel) processTimeouts(now time.Time) {
	for e := t.timeoutList.Front(); e != nil; {
		next := e.Next()
		q := e.Value.(*query)
		if q.deadline.After(now) {
			break
		}
		if q.allElem == nil { // A callback mid-walk ended it already
			break
		}

		q.errStatus = StatusTimeout
		q.timeouts++
		t.timeoutEvents++

		fd := NoSocket
		if q.conn != nil {
			fd = q.conn.fd
		}
		t.nextServer(q, now)
		if fd != NoSocket {
			t.checkCleanup(fd)
		}

		e = next
	}
}

// handleError tears down a failed connection and rescues every query that was in flight on it.
// The in-flight list is stolen atomically before the close so rescue and teardown cannot observe
// each other half-done. Each rescued query skips the dead connection's server and rotates onward;
// with a single configured server the skip is suppressed so the query can try the same server
// again on a fresh connection.
func (t *Channel) handleError(cn *conn, now time.Time) {
	stolen := cn.queries
	cn.queries = list.New()
	srvIdx := cn.server.idx

	t.closeConn(cn)

	for {
		e := stolen.Front()
		if e == nil {
			break
		}
		stolen.Remove(e)
		q := e.Value.(*query)
		q.connElem = nil
		q.conn = nil
		if q.allElem == nil {
			continue // Ended by a callback earlier in this rescue
		}
		t.skipServer(q, srvIdx)
		t.nextServer(q, now)
	}
}

// nextServer advances q through the remaining attempt budget looking for a server worth trying.
// A candidate is passed over while it is marked skipped for this query, or - for a TCP-promoted
// query - while its TCP connection is the same incarnation this query was already written to.
// When the budget runs out the query ends with the last failure it actually observed.
func (t *Channel) nextServer(q *query, now time.Time) Status {
	n := t.schedServers()
	for q.tryCount++; q.tryCount < n*t.config.Tries && !q.noRetries; q.tryCount++ {
		q.serverIdx = (q.serverIdx + 1) % n
		s := t.servers[q.serverIdx]

		if q.serverInfo[q.serverIdx].skipServer {
			continue
		}
		if q.usingTCP && q.serverInfo[q.serverIdx].tcpGeneration == s.tcpGeneration {
			continue
		}

		return t.sendQuery(q, now)
	}

	status := q.errStatus
	t.endQuery(q, status, nil)

	return status
}

// skipServer marks the server as off-limits for the rest of this query's life. Suppressed when
// scheduling has only one server to offer - single-server channels and FlagPrimary channels must
// keep retrying the only server they have.
func (t *Channel) skipServer(q *query, serverIdx int) {
	if t.schedServers() > 1 {
		q.serverInfo[serverIdx].skipServer = true
	}
}
