package pidreg

import (
	"github.com/dmxrdm/rdmdrv/rdmwire"
)

// The required E1.20 discovery and device-information PIDs, plus the
// common label, factory-defaults, parameter-description and reset
// parameters.
const (
	PIDDiscUniqueBranch     uint16 = 0x0001
	PIDDiscMute             uint16 = 0x0002
	PIDDiscUnMute           uint16 = 0x0003
	PIDSupportedParameters  uint16 = 0x0050
	PIDParameterDescription uint16 = 0x0051
	PIDDeviceInfo           uint16 = 0x0060
	PIDFactoryDefaults      uint16 = 0x0090
	PIDManufacturerLabel    uint16 = 0x0081
	PIDDeviceLabel          uint16 = 0x0082
	PIDSoftwareVersionLabel uint16 = 0x00C0
	PIDDMXStartAddress      uint16 = 0x00F0
	PIDIdentifyDevice       uint16 = 0x1000
	PIDResetDevice          uint16 = 0x1001
)

// DeviceInfo mirrors the RDM DEVICE_INFO parameter (19 bytes on the
// wire): protocol version is a fixed literal, the rest describes the
// responder's addressing and personality state.
type DeviceInfo struct {
	DeviceModelID      uint16
	ProductCategory    uint16
	SoftwareVersionID  uint32
	DMXFootprint       uint16
	CurrentPersonality uint8
	PersonalityCount   uint8
	DMXStartAddress    uint16
	SubDeviceCount     uint16
	SensorCount        uint8
}

var deviceInfoFormat = rdmwire.MustParseFormat("#0100hwwdwbbwwb")

// Encode serializes d into its 19-byte wire form.
func (d DeviceInfo) Encode() []byte {
	pd, err := deviceInfoFormat.Encode(
		d.DeviceModelID, d.ProductCategory, d.SoftwareVersionID,
		d.DMXFootprint, d.CurrentPersonality, d.PersonalityCount,
		d.DMXStartAddress, d.SubDeviceCount, d.SensorCount,
	)
	if err != nil {
		// Every field above is fixed-width; encoding cannot fail.
		panic(err)
	}
	return pd
}

// RegisterStandard populates reg with the minimum PID set for the root
// device (sub-device 0), backed by the given initial values. Records
// that are not meaningfully gettable/settable on their own (
// DISC_UNIQUE_BRANCH, DISC_MUTE, DISC_UN_MUTE) are registered without
// storage or Callback; the driver's handlePID in rdmdrv/dispatch.go
// answers them by PID.
func RegisterStandard(reg *Registry, subDevice uint16, info DeviceInfo, softwareVersionLabel string, identifyOn bool) {
	deviceInfoRec := &Record{
		AllocSize:    19,
		SupportedGet: true,
		EncodeFormat: deviceInfoFormat,
		DecodeFormat: deviceInfoFormat,
		Description:  "DEVICE_INFO",
		Volatile:     true,
	}
	deviceInfoRec.SetStorage(info.Encode())
	reg.Register(subDevice, PIDDeviceInfo, deviceInfoRec)

	swLabelFmt := rdmwire.MustParseFormat("a32")
	swLabelRec := &Record{
		AllocSize:    32,
		SupportedGet: true,
		EncodeFormat: swLabelFmt,
		DecodeFormat: swLabelFmt,
		Description:  "SOFTWARE_VERSION_LABEL",
		Volatile:     true,
	}
	pd, _ := swLabelFmt.Encode(softwareVersionLabel)
	swLabelRec.SetStorage(pd)
	reg.Register(subDevice, PIDSoftwareVersionLabel, swLabelRec)

	startAddrFmt := rdmwire.MustParseFormat("w")
	startAddrRec := &Record{
		AllocSize:    2,
		SupportedGet: true,
		SupportedSet: true,
		EncodeFormat: startAddrFmt,
		DecodeFormat: startAddrFmt,
		Description:  "DMX_START_ADDRESS",
		Volatile:     false,
		MinValue:     1,
		MaxValue:     512,
	}
	pd, _ = startAddrFmt.Encode(info.DMXStartAddress)
	startAddrRec.SetStorage(pd)
	reg.Register(subDevice, PIDDMXStartAddress, startAddrRec)

	identifyFmt := rdmwire.MustParseFormat("b")
	identifyRec := &Record{
		AllocSize:    1,
		SupportedGet: true,
		SupportedSet: true,
		EncodeFormat: identifyFmt,
		DecodeFormat: identifyFmt,
		Description:  "IDENTIFY_DEVICE",
		Volatile:     true,
		MaxValue:     1,
	}
	onByte := byte(0)
	if identifyOn {
		onByte = 1
	}
	pd, _ = identifyFmt.Encode(onByte)
	identifyRec.SetStorage(pd)
	reg.Register(subDevice, PIDIdentifyDevice, identifyRec)

	manLabelFmt := rdmwire.MustParseFormat("a32")
	manLabelRec := &Record{
		AllocSize:    32,
		SupportedGet: true,
		SupportedSet: true,
		EncodeFormat: manLabelFmt,
		DecodeFormat: manLabelFmt,
		Description:  "MANUFACTURER_LABEL",
		Volatile:     false,
	}
	reg.Register(subDevice, PIDManufacturerLabel, manLabelRec)

	devLabelFmt := rdmwire.MustParseFormat("a32")
	devLabelRec := &Record{
		AllocSize:    32,
		SupportedGet: true,
		SupportedSet: true,
		EncodeFormat: devLabelFmt,
		DecodeFormat: devLabelFmt,
		Description:  "DEVICE_LABEL",
		Volatile:     false,
	}
	reg.Register(subDevice, PIDDeviceLabel, devLabelRec)

	// DISC_UNIQUE_BRANCH / DISC_MUTE / DISC_UN_MUTE / SUPPORTED_PARAMETERS
	// / FACTORY_DEFAULTS / PARAMETER_DESCRIPTION / RESET_DEVICE have no
	// simple backing store: they are driven entirely by the PID switch in
	// handlePID (rdmdrv/dispatch.go), but are still Register()ed
	// here (with SupportedGet/SupportedSet only, no storage) so
	// SUPPORTED_PARAMETERS and the command-class validation see them.
	reg.Register(subDevice, PIDDiscUniqueBranch, &Record{Description: "DISC_UNIQUE_BRANCH"})
	reg.Register(subDevice, PIDDiscMute, &Record{Description: "DISC_MUTE"})
	reg.Register(subDevice, PIDDiscUnMute, &Record{Description: "DISC_UN_MUTE"})
	reg.Register(subDevice, PIDSupportedParameters, &Record{SupportedGet: true, Description: "SUPPORTED_PARAMETERS"})
	reg.Register(subDevice, PIDFactoryDefaults, &Record{SupportedGet: true, SupportedSet: true, Description: "FACTORY_DEFAULTS"})
	reg.Register(subDevice, PIDParameterDescription, &Record{SupportedGet: true, Description: "PARAMETER_DESCRIPTION"})
	reg.Register(subDevice, PIDResetDevice, &Record{SupportedSet: true, Description: "RESET_DEVICE"})
}
