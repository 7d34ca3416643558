package flagutil

import (
	"net/netip"
	"strings"
)

// AddrValue is the flag.Value for multiple occurrence flags containing IP addresses, such as a
// repeatable nameserver option. Parsing is strict netip.ParseAddr so a bad address fails at flag
// parse time rather than at first use.
type AddrValue struct {
	addrs []netip.Addr
}

// Set parses and appends one address - called by the flag package for each occurrence of the
// corresponding option on the command line. Part of the flag.Value interface.
func (t *AddrValue) Set(s string) error {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return err
	}
	t.addrs = append(t.addrs, addr.Unmap())

	return nil
}

// String returns a space separated string of all the addresses provided by Set. Part of the
// flag.Value interface.
func (t *AddrValue) String() string {
	var parts []string
	for _, a := range t.addrs {
		parts = append(parts, a.String())
	}

	return strings.Join(parts, " ")
}

// Args returns a copy of the accumulated addresses. You can safely modify this array without
// fear of changing the internal data.
func (t *AddrValue) Args() []netip.Addr {
	return append([]netip.Addr{}, t.addrs...)
}

// NArg returns the number of addresses accumulated by Set
func (t *AddrValue) NArg() int {
	return len(t.addrs)
}
