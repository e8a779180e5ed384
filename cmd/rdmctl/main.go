//go:build linux

// rdmctl is a command-line RDM controller: discover the bus, or issue
// GET/SET/identify requests to a single responder.
//
//	rdmctl discover
//	rdmctl get <uid> <pid-hex>
//	rdmctl set <uid> <pid-hex> <pd-hex>
//	rdmctl identify <uid> on|off
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/dmxrdm/rdmdrv"
	"github.com/dmxrdm/rdmdrv/pidreg"
	"github.com/dmxrdm/rdmdrv/rdmlog"
	"github.com/dmxrdm/rdmdrv/rdmwire"
	"github.com/dmxrdm/rdmdrv/transport"
	"github.com/dmxrdm/rdmdrv/uid"
)

func main() {
	device := pflag.StringP("device", "d", "/dev/ttyAMA0", "Serial device")
	uidStr := pflag.StringP("uid", "u", "7A70:000000C7", "Controller UID")
	timeout := pflag.DurationP("timeout", "t", 10*time.Second, "Overall operation timeout")
	debug := pflag.BoolP("debug", "v", false, "Debug logging")
	pflag.Parse()

	rdmlog.SetDebug(*debug)
	args := pflag.Args()
	if len(args) == 0 {
		usage()
	}

	u, err := uid.Parse(*uidStr)
	if err != nil {
		fatal("%v", err)
	}

	uart, err := transport.OpenSerial(*device)
	if err != nil {
		fatal("%v", err)
	}

	drv, err := rdmdrv.Install(0, rdmdrv.Config{
		UID:   u,
		UART:  uart,
		Alarm: transport.NewBusyAlarm(),
	})
	if err != nil {
		fatal("install: %v", err)
	}
	defer drv.Uninstall()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "discover":
		found, err := drv.Discover(ctx)
		if err != nil {
			fatal("discover: %v", err)
		}
		for _, dev := range found {
			fmt.Println(dev)
		}
		fmt.Fprintf(os.Stderr, "%d device(s)\n", len(found))

	case "get":
		dest, pid := destAndPID(args)
		report(drv.Get(ctx, dest, 0, pid, nil))

	case "set":
		dest, pid := destAndPID(args)
		if len(args) < 4 {
			usage()
		}
		pd, err := hex.DecodeString(args[3])
		if err != nil {
			fatal("bad parameter data: %v", err)
		}
		report(drv.Set(ctx, dest, 0, pid, pd))

	case "identify":
		if len(args) < 3 {
			usage()
		}
		dest, err := uid.Parse(args[1])
		if err != nil {
			fatal("%v", err)
		}
		on := byte(0)
		if args[2] == "on" {
			on = 1
		}
		report(drv.Set(ctx, dest, 0, pidreg.PIDIdentifyDevice, []byte{on}))

	default:
		usage()
	}
}

func destAndPID(args []string) (uid.UID, uint16) {
	if len(args) < 3 {
		usage()
	}
	dest, err := uid.Parse(args[1])
	if err != nil {
		fatal("%v", err)
	}
	pid, err := strconv.ParseUint(args[2], 16, 16)
	if err != nil {
		fatal("bad pid: %v", err)
	}
	return dest, uint16(pid)
}

func report(ack *rdmdrv.Ack, err error) {
	if err != nil {
		fatal("%v", err)
	}
	switch {
	case ack.OK():
		fmt.Printf("ACK %s\n", hex.EncodeToString(ack.PD))
	case ack.Err != nil:
		fatal("no response: %v", ack.Err)
	case ack.Type == rdmwire.ResponseNackReason:
		fatal("NACK %s", ack.NackReason)
	case ack.Type == rdmwire.ResponseAckTimer:
		fatal("ACK_TIMER retry in %s", ack.Timer)
	case ack.Type == rdmwire.ResponseNone:
		fmt.Println("broadcast sent")
	default:
		fatal("unexpected response type %02x", uint8(ack.Type))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: rdmctl [flags] <command>
  discover
  get <uid> <pid-hex>
  set <uid> <pid-hex> <pd-hex>
  identify <uid> on|off`)
	os.Exit(2)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "rdmctl: "+format+"\n", args...)
	os.Exit(1)
}
