/*
Package constants provides common values used across all asyncdns packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.DigProgramName, "speaking", consts.RFC)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

// Constants contains the system-wide constants
type Constants struct {
	DigProgramName   string
	ProxyProgramName string // Package related constants
	Version          string
	PackageName      string
	PackageURL       string
	RFC              string

	DNSDefaultPort uint16 // DNS related constants
	HeaderFixedLen int    // Fixed portion of a binary DNS message header
	QuestionMinLen int    // qtype + qclass with a zero length name
	TCPLengthLen   int    // Big-endian byte count prepended to every TCP message

	MaxUDPMessage     int    // Largest pre-EDNS0 UDP payload
	EDNSPacketSize    uint16 // Default EDNS0 UDP payload size advertised
	MaxEDNSPacketSize uint16 // Hard upper limit on advertised payload size
	EDNSFixedLen      int    // Wire size of an empty OPT RR in the additional section

	MaxMessageSize int // Ceiling imposed by the two-octet TCP length field

	DNSUDPTransport string // Suitable for the "net" package, but just to make sure we're
	DNSTCPTransport string // consistent across the whole package.
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		DigProgramName:   "asyncdns-dig",
		ProxyProgramName: "asyncdns-proxy",
		Version:          "v0.1.0",
		PackageName:      "Async Stub DNS Resolver",
		PackageURL:       "https://github.com/markdingo/asyncdns",
		RFC:              "RFC1035",

		DNSDefaultPort: 53,
		HeaderFixedLen: 12,
		QuestionMinLen: 4,
		TCPLengthLen:   2,

		MaxUDPMessage:     512,
		EDNSPacketSize:    1280, // RFC2671 suggested default
		MaxEDNSPacketSize: 4096,
		EDNSFixedLen:      11,

		MaxMessageSize: 65535,

		DNSUDPTransport: "udp",
		DNSTCPTransport: "tcp",
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
