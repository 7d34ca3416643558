/*
Package sysconfig loads the system resolver configuration - name servers, search domains, ndots
and retry settings - from a resolv.conf style file. Parsing is delegated to
dns.ClientConfigFromFile so we inherit whatever platform quirks miekg/dns has already absorbed;
this package normalizes the result into addresses the engine can dial.

Frankly resolv.conf parsing is not well defined and is implemented differently on different
platforms, so we mostly live with whatever dns.ClientConfigFromFile() gives us. This includes
possibly corrected values for Attempts and Timeout.
*/
package sysconfig

import (
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const me = "sysconfig"

// Config is the normalized system resolver configuration.
type Config struct {
	Servers  []netip.AddrPort // Name servers with ports applied
	Search   []string         // Search domains, lowercased and deduped
	Ndots    int
	Timeout  time.Duration // Per-attempt timeout
	Attempts int           // Tries per server
}

// Load reads and normalizes a resolv.conf style file.
func Load(path string) (*Config, error) {
	if len(path) == 0 {
		return nil, errors.New(me + ": Empty resolv.conf path is invalid")
	}
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, errors.New(me + ": " + err.Error())
	}

	// miekg/dns fixes bogus config values but check anyway as any change in its behaviour
	// would break us.

	if cc.Attempts <= 0 {
		cc.Attempts = 1
	}
	if cc.Timeout <= 0 {
		cc.Timeout = 1
	}

	port, err := strconv.ParseUint(cc.Port, 10, 16)
	if err != nil || port == 0 {
		port = 53
	}

	t := &Config{
		Ndots:    cc.Ndots,
		Timeout:  time.Duration(cc.Timeout) * time.Second,
		Attempts: cc.Attempts,
	}

	for _, s := range cc.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue // Whatever this nameserver line was, we cannot dial it
		}
		t.Servers = append(t.Servers, netip.AddrPortFrom(addr.Unmap(), uint16(port)))
	}
	if len(t.Servers) == 0 {
		return nil, errors.New(me + ": No usable nameservers in " + path)
	}

	dedupe := make(map[string]bool)
	for _, domain := range cc.Search {
		if len(domain) == 0 {
			continue
		}
		domain = strings.ToLower(domain)
		if !dedupe[domain] {
			dedupe[domain] = true
			t.Search = append(t.Search, domain)
		}
	}

	return t, nil
}
