package asyncdns

import (
	"net/netip"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/markdingo/asyncdns/internal/sockio"
)

const me = "asyncdns"

// Default policy values applied by New() when the corresponding Config field is zero.
const (
	DefaultTimeout = 5 * time.Second // First-attempt deadline; doubles per full server pass
	DefaultTries   = 3               // Attempts per server
)

// ServerAddr identifies one upstream name server. A zero port falls back to the channel-wide
// default from Config, which in turn falls back to port 53.
type ServerAddr struct {
	Addr    netip.Addr
	UDPPort uint16
	TCPPort uint16
}

// SockStateFunc is invoked whenever the channel changes its interest set for a socket: when a
// socket is created, when it starts or stops wanting write-readiness and - with both booleans
// false - just before it is closed. It must be safe to receive from within a Process call.
type SockStateFunc func(fd int, readable, writable bool)

// Config defines all the public parameters of a channel. The zero value of every field bar
// Servers is usable; New() applies the documented defaults.
type Config struct {
	Servers []ServerAddr // Upstream name servers in preference order. At least one.

	Flags   Flags
	Timeout time.Duration // Per first attempt; see DefaultTimeout
	Tries   int           // Attempts per server; see DefaultTries
	Rotate  bool          // Start successive queries at successive servers

	UDPPort uint16 // Channel-wide port defaults applied to ServerAddrs with a zero port
	TCPPort uint16

	EDNSPayloadSize uint16 // UDP payload size advertised when FlagEDNS is set; default 1280
	UDPMaxQueries   int    // Queries per UDP socket before it is retired; 0 means unlimited

	Logger   hclog.Logger    // Defaults to hclog.NewNullLogger()
	Provider sockio.Provider // Socket operations; defaults to the system call Provider

	// NowFunc supplies the engine's clock. Defaults to time.Now. Deadlines are computed and
	// compared exclusively through this function so tests can drive time by hand.
	NowFunc func() time.Time

	SockState SockStateFunc // Optional socket interest-set notifications
}
