package asyncdns

import (
	"errors"
	"time"

	"github.com/markdingo/asyncdns/internal/sockio"
)

// writeTCP drains as much of the server's queued TCP bytes as the socket will take. When the
// queue empties the caller is told the socket no longer wants write-readiness.
func (t *Channel) writeTCP(cn *conn, now time.Time) {
	s := cn.server
	if s.tcpSend.Len() == 0 {
		t.sockState(cn.fd, true, false)
		return
	}

	for s.tcpSend.Len() > 0 {
		n, err := t.io.Write(cn.fd, s.tcpSend.Bytes())
		if err != nil {
			if errors.Is(err, sockio.ErrWouldBlock) {
				return // Still wants writability; retry on the next notification
			}
			t.connErrors++
			t.handleError(cn, now)
			return
		}
		if n <= 0 {
			return
		}
		s.tcpSend.Consume(n)
	}

	t.sockState(cn.fd, true, false)
}

// readTCP appends whatever the socket yields to the server's parse buffer and delivers every
// complete length-prefixed frame within it. A partial frame - even a partial length prefix -
// rolls back and waits for more bytes. A read of zero bytes is the peer closing the stream, which
// tears the connection down and requeues its in-flight queries.
func (t *Channel) readTCP(cn *conn, now time.Time) {
	s := cn.server
	buf := make([]byte, 64*1024)

	for {
		n, err := t.io.Recv(cn.fd, buf)
		if err != nil {
			if errors.Is(err, sockio.ErrWouldBlock) {
				return
			}
			t.connErrors++
			t.handleError(cn, now)
			return
		}
		if n == 0 { // Orderly close by the peer
			t.connErrors++
			t.handleError(cn, now)
			return
		}

		s.tcpParser.Append(buf[:n])

		for {
			s.tcpParser.Tag()
			frameLen, err := s.tcpParser.FetchBE16()
			if err != nil {
				s.tcpParser.Rollback()
				break
			}
			payload, err := s.tcpParser.FetchBytes(int(frameLen))
			if err != nil {
				s.tcpParser.Rollback()
				break
			}
			s.tcpParser.ClearTag()

			t.processAnswer(payload, cn, now, true)
			if t.connForFd(cn.fd) == nil {
				return // Answer processing closed this connection
			}
		}
	}
}

// readUDP receives queued datagrams one at a time until the socket would block. Datagrams from
// any address other than the connected server are dropped without further inspection - accepting
// them would let an off-path attacker race the real reply.
func (t *Channel) readUDP(cn *conn, now time.Time) {
	buf := make([]byte, int(consts.MaxEDNSPacketSize)+1)

	for {
		n, from, err := t.io.RecvFrom(cn.fd, buf)
		if err != nil {
			if errors.Is(err, sockio.ErrWouldBlock) {
				return
			}
			t.connErrors++
			t.handleError(cn, now)
			return
		}
		if n == 0 { // Zero-length datagram; nothing to parse
			continue
		}

		if from.IsValid() && from.Addr().Unmap() != cn.server.addr {
			t.drops[dfxWrongSource]++
			t.log.Debug("datagram from wrong source dropped", "got", from.Addr(),
				"want", cn.server.addr)
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		t.processAnswer(pkt, cn, now, false)

		if t.connForFd(cn.fd) == nil {
			return // Answer processing closed this connection
		}
	}
}
