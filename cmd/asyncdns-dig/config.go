package main

import (
	"time"

	"github.com/markdingo/asyncdns/internal/flagutil"
)

type config struct {
	help    bool
	verbose bool
	version bool

	gops bool

	servers    flagutil.AddrValue // Name servers to query; overrides resolv.conf
	port       int                // Applied to -s servers for both UDP and TCP
	resolvConf string             // Consulted when no -s servers are given

	edns     bool
	rotate   bool
	ignoreTC bool // Deliver truncated responses rather than re-querying over TCP

	repeatCount int
	tries       int
	timeout     time.Duration

	short bool
}
