/*
Package dnsutil provides helper methods for the fiddly corners of a "github.com/miekg/dns.Msg"
that the resolver engine cares about: locating the EDNS0 OPT RR in the additional section and
comparing question sections for the reply-validation defenses.
*/
package dnsutil

import (
	"strings"

	"github.com/miekg/dns"
)

// FindOPT searches dns.Msg.Extra for the first occurrence of an OPT RR. There should only be one.
//
// Return *dns.OPT if found otherwise nil
func FindOPT(q *dns.Msg) *dns.OPT {
	for _, rr := range q.Extra { // Search Extra for OPT RRs
		if opt, ok := rr.(*dns.OPT); ok {
			return opt
		}
	}

	return nil
}

// NewOPT creates a populated dns.OPT RR as a zero-valued struct is not a valid OPT. udpSize is the
// UDP payload size advertised to the server; some resolvers dislike a size of zero so callers
// should always pass a real value.
func NewOPT(udpSize uint16) *dns.OPT {
	optRR := &dns.OPT{}
	optRR.SetVersion(0)
	optRR.SetUDPSize(udpSize)
	optRR.Hdr.Name = "."
	optRR.Hdr.Rrtype = dns.TypeOPT

	return optRR
}

// TrimmableOPT reports whether the message carries exactly the kind of OPT RR that can be removed
// from its wire form by chopping a fixed number of trailing bytes: a bare OPT (root name, no
// options) sitting last in the additional section. Anything fancier needs a re-serialize, not a
// trim.
func TrimmableOPT(q *dns.Msg) bool {
	if len(q.Extra) == 0 {
		return false
	}
	opt, ok := q.Extra[len(q.Extra)-1].(*dns.OPT)
	if !ok {
		return false
	}

	return len(opt.Option) == 0 && opt.Hdr.Name == "."
}

// QuestionsEqual compares two question sections: same count and, pairwise, case-insensitive name
// equality with identical type and class. DNS names are case-insensitive on the wire (RFC1035
// 2.3.3) and some servers 0x20-mangle or downcase the echoed question, so a byte comparison would
// reject legitimate replies.
func QuestionsEqual(a, b []dns.Question) bool {
	if len(a) != len(b) {
		return false
	}
	for ix := range a {
		if a[ix].Qtype != b[ix].Qtype || a[ix].Qclass != b[ix].Qclass {
			return false
		}
		if !strings.EqualFold(a[ix].Name, b[ix].Name) {
			return false
		}
	}

	return true
}
