//go:build !unix

package asyncdns

import (
	"github.com/markdingo/asyncdns/internal/sockio"
)

// No system call Provider exists for this platform so the caller must inject one.
func defaultProvider() sockio.Provider {
	return nil
}
