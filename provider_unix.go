//go:build unix

package asyncdns

import (
	"github.com/markdingo/asyncdns/internal/sockio"
)

func defaultProvider() sockio.Provider {
	return sockio.NewUnix()
}
