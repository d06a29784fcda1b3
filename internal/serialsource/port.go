// Package serialsource feeds hardware-in-the-loop sensors into the
// ingestion pipeline: a GNSS or radar module on a serial line emits one
// JSON sample per line, which the source parses into packets.
package serialsource

import (
	"io"

	"go.bug.st/serial"
)

// SerialPorter is the minimal serial port surface the source needs.
// The abstraction enables unit testing without real hardware.
type SerialPorter interface {
	io.Reader
	io.Closer
}

// PortOptions configures the physical port.
type PortOptions struct {
	BaudRate int
	DataBits int
}

// DefaultPortOptions returns the stock mode for GNSS/radar modules.
func DefaultPortOptions() PortOptions {
	return PortOptions{BaudRate: 115200, DataBits: 8}
}

// OpenPort opens a real serial port at the given path.
func OpenPort(path string, opts PortOptions) (SerialPorter, error) {
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}
