package main

import (
	"time"

	"github.com/markdingo/asyncdns/internal/flagutil"
)

type config struct {
	gops    bool
	help    bool
	tcp     bool // Listen on TCP
	udp     bool // Listen on UDP
	verbose bool
	version bool

	listenAddresses flagutil.StringValue // Listen addresses for inbound DNS queries

	resolvConf      string // Source of upstream name servers
	watchResolvConf bool   // Re-load the server list when resolv.conf changes
	statusInterval  time.Duration

	timeout       time.Duration // Per-attempt upstream timeout (0 = resolv.conf or engine default)
	tries         int           // Per-server upstream attempts (0 = resolv.conf or engine default)
	rotate        bool
	noEDNS        bool
	udpMaxQueries int

	logClientOut bool // Print the DNS response returned to the client

	cpuprofile, memprofile string

	setuidName, setgidName, chrootDir string // Process constraint settings
}
