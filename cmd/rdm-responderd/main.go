//go:build linux

// rdm-responderd runs an RDM responder on a serial port: it installs the
// driver, registers the standard parameter set from a YAML device
// description, and serves requests until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dmxrdm/rdmdrv"
	"github.com/dmxrdm/rdmdrv/pidreg"
	"github.com/dmxrdm/rdmdrv/rdmlog"
	"github.com/dmxrdm/rdmdrv/store"
	"github.com/dmxrdm/rdmdrv/transport"
	"github.com/dmxrdm/rdmdrv/uid"
)

type deviceConfig struct {
	UID                  string `yaml:"uid"`
	Device               string `yaml:"device"`
	StateDir             string `yaml:"state_dir"`
	SoftwareVersionLabel string `yaml:"software_version_label"`

	GPIORts struct {
		Chip      string `yaml:"chip"`
		Line      int    `yaml:"line"`
		ActiveLow bool   `yaml:"active_low"`
	} `yaml:"gpio_rts"`

	DeviceInfo struct {
		ModelID         uint16 `yaml:"model_id"`
		ProductCategory uint16 `yaml:"product_category"`
		SoftwareVersion uint32 `yaml:"software_version"`
		DMXFootprint    uint16 `yaml:"dmx_footprint"`
		DMXStartAddress uint16 `yaml:"dmx_start_address"`
	} `yaml:"device_info"`
}

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML device description")
	device := pflag.StringP("device", "d", "/dev/ttyAMA0", "Serial device")
	uidStr := pflag.StringP("uid", "u", "7A70:00000001", "Responder UID (MMMM:DDDDDDDD)")
	stateDir := pflag.StringP("state-dir", "s", "/var/lib/rdm-responderd", "Non-volatile parameter directory")
	debug := pflag.BoolP("debug", "v", false, "Debug logging")
	pflag.Parse()

	rdmlog.SetDebug(*debug)

	cfg := deviceConfig{}
	cfg.Device = *device
	cfg.UID = *uidStr
	cfg.StateDir = *stateDir
	cfg.SoftwareVersionLabel = "rdm-responderd"
	cfg.DeviceInfo.DMXFootprint = 1
	cfg.DeviceInfo.DMXStartAddress = 1

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fatal("read config: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			fatal("parse config: %v", err)
		}
	}

	u, err := uid.Parse(cfg.UID)
	if err != nil {
		fatal("%v", err)
	}

	var opts []transport.SerialOption
	if cfg.GPIORts.Chip != "" {
		rts, err := transport.NewGPIORTS(cfg.GPIORts.Chip, cfg.GPIORts.Line, cfg.GPIORts.ActiveLow)
		if err != nil {
			fatal("gpio rts: %v", err)
		}
		opts = append(opts, transport.WithRTSLine(rts))
	}

	uart, err := transport.OpenSerial(cfg.Device, opts...)
	if err != nil {
		fatal("%v", err)
	}

	nv, err := store.NewFSStore(cfg.StateDir)
	if err != nil {
		fatal("%v", err)
	}

	drv, err := rdmdrv.Install(0, rdmdrv.Config{
		UID:   u,
		UART:  uart,
		Alarm: transport.NewBusyAlarm(),
		Store: nv,
		DeviceInfo: pidreg.DeviceInfo{
			DeviceModelID:      cfg.DeviceInfo.ModelID,
			ProductCategory:    cfg.DeviceInfo.ProductCategory,
			SoftwareVersionID:  cfg.DeviceInfo.SoftwareVersion,
			DMXFootprint:       cfg.DeviceInfo.DMXFootprint,
			CurrentPersonality: 1,
			PersonalityCount:   1,
			DMXStartAddress:    cfg.DeviceInfo.DMXStartAddress,
		},
		SoftwareVersionLabel: cfg.SoftwareVersionLabel,
	})
	if err != nil {
		fatal("install: %v", err)
	}
	defer drv.Uninstall()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdmlog.Infof("responding on %s as %s", cfg.Device, u)
	if err := drv.Serve(ctx); err != nil && ctx.Err() == nil {
		fatal("serve: %v", err)
	}

	// Give an in-flight response a moment to finish before teardown.
	time.Sleep(10 * time.Millisecond)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "rdm-responderd: "+format+"\n", args...)
	os.Exit(1)
}
