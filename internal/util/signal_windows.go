//go:build windows

package util

import "os"

// ShutdownSignals returns the signals to listen for graceful shutdown.
// Windows only delivers interrupt to console processes.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
