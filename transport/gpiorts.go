//go:build linux

package transport

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIORTS drives an RS-485 transceiver's driver-enable pin from a Linux
// GPIO character-device line, for boards where the direction signal is a
// discrete GPIO rather than the UART's RTS modem line. Pass it to
// OpenSerial via WithRTSLine.
type GPIORTS struct {
	line      *gpiocdev.Line
	activeLow bool
}

// NewGPIORTS requests offset on chip (e.g. "gpiochip0") as an output,
// initially in receive. activeLow inverts the drive sense for boards
// whose enable pin is low-active.
func NewGPIORTS(chip string, offset int, activeLow bool) (*GPIORTS, error) {
	g := &GPIORTS{activeLow: activeLow}
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(g.level(true)))
	if err != nil {
		return nil, fmt.Errorf("transport: gpio rts %s:%d: %w", chip, offset, err)
	}
	g.line = line
	return g, nil
}

func (g *GPIORTS) level(receive bool) int {
	v := 0
	if receive {
		v = 1
	}
	if g.activeLow {
		v = 1 - v
	}
	return v
}

// Set switches the transceiver direction. true is receive.
func (g *GPIORTS) Set(receive bool) error {
	return g.line.SetValue(g.level(receive))
}

func (g *GPIORTS) Close() error { return g.line.Close() }
