//go:build !unix

package osutil

import (
	"os"
)

// SignalNotify is a no-op on platforms without the Unix signal set
func SignalNotify(c chan os.Signal) {
}

func IsSignalUSR1(s os.Signal) bool {
	return false
}
