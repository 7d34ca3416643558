/*
Package asyncdns is an asynchronous stub DNS resolver engine. Callers submit pre-serialized DNS
queries; the engine multiplexes them over one or more upstream name servers via UDP and TCP,
honors retry, timeout and server-fallback policy, matches replies back to their originating
queries and delivers each result to a per-query callback exactly once.

The engine is single-threaded and cooperative. It never blocks and it owns no goroutines: the
caller drives it by feeding socket readiness into Process() or ProcessFD() from its own poll or
select loop, using GetSock() to learn which descriptors to watch and Timeout() to size the poll
wait. Callbacks fire synchronously inside those calls. A callback may submit new queries or cancel
outstanding ones but must not otherwise re-enter the channel.

Typical usage:

    ch, err := asyncdns.New(asyncdns.Config{Servers: servers})
    ...
    ch.Send(wire, func(status asyncdns.Status, timeouts int, reply []byte) { ... })
    for ch.Pending() > 0 {
        rfds, wfds := ch.GetSock()
        ... poll rfds/wfds with timeout ch.Timeout(time.Second) ...
        ch.Process(readyReads, readyWrites)
    }

The wire format at the socket boundary is standard DNS: one datagram per message on UDP, a
two-octet big-endian length prefix per message on TCP. Truncated UDP responses re-issue the query
over TCP, FORMERR responses from servers that cannot cope with EDNS0 downgrade the channel and
re-issue without the OPT RR, and SERVFAIL/NOTIMP/REFUSED rotate the query to the next configured
server.
*/
package asyncdns

// Callback delivers the terminal result of a query submitted with Send or SendMsg. It is invoked
// exactly once per query: with StatusSuccess and the raw response bytes, or with a failure Status
// and a nil reply. timeouts is the number of attempts that expired before the result was reached.
//
// Callbacks run synchronously inside Process/ProcessFD/Send/CancelAll/Destroy on the caller's
// thread. From within a callback only query submission and cancellation may re-enter the channel.
type Callback func(status Status, timeouts int, reply []byte)

// Flags adjust channel-wide behavior.
type Flags uint

const (
	// FlagIgnTC delivers truncated UDP responses as-is instead of re-querying over TCP.
	FlagIgnTC Flags = 1 << iota

	// FlagNoCheckResp accepts SERVFAIL, NOTIMP and REFUSED responses as terminal answers
	// instead of rotating to the next server.
	FlagNoCheckResp

	// FlagEDNS advertises EDNS0 on queries built by SendMsg and enables the automatic
	// downgrade when a server responds FORMERR without an OPT RR.
	FlagEDNS

	// FlagPrimary sends only to the first configured server.
	FlagPrimary
)

// NoSocket is the descriptor value meaning "none" for ProcessFD.
const NoSocket = -1
