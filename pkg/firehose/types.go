// Package firehose drives the XML command protocol exposed by the flash
// programmer once Sahara has loaded and started it.
package firehose

import (
	"fmt"
	"strings"
)

// StorageType names the storage medium behind the programmer. It decides
// the default sector size and is advertised in the configure exchange.
type StorageType string

const (
	StorageEmmc StorageType = "emmc"
	StorageUfs  StorageType = "ufs"
	StorageNvme StorageType = "nvme"
	StorageNand StorageType = "nand"
)

// StorageTypeFromString parses a user-supplied storage type name.
func StorageTypeFromString(s string) (StorageType, error) {
	switch StorageType(strings.ToLower(s)) {
	case StorageEmmc:
		return StorageEmmc, nil
	case StorageUfs:
		return StorageUfs, nil
	case StorageNvme:
		return StorageNvme, nil
	case StorageNand:
		return StorageNand, nil
	}
	return "", fmt.Errorf("unknown storage type %q (want emmc/ufs/nvme/nand)", s)
}

// DefaultSectorSize returns the conventional sector size for the medium, or
// 0 if there is no safe default and the operator must supply one.
func (s StorageType) DefaultSectorSize() int {
	switch s {
	case StorageUfs:
		return 4096
	case StorageEmmc, StorageNvme, StorageNand:
		return 512
	}
	return 0
}

// ResetMode selects what the target does after a power command.
type ResetMode string

const (
	// ResetToEdl reboots straight back into emergency download mode.
	ResetToEdl ResetMode = "edl"
	// ResetOff powers the target down.
	ResetOff ResetMode = "off"
	// ResetToSystem reboots into the regular OS.
	ResetToSystem ResetMode = "system"
)

// ResetModeFromString parses a user-supplied reset mode.
func ResetModeFromString(s string) (ResetMode, error) {
	switch ResetMode(strings.ToLower(s)) {
	case ResetToEdl:
		return ResetToEdl, nil
	case ResetOff:
		return ResetOff, nil
	case ResetToSystem:
		return ResetToSystem, nil
	}
	return "", fmt.Errorf("unknown reset mode %q (want edl/off/system)", s)
}

// wireValue is what the power command's value attribute carries.
func (m ResetMode) wireValue() string {
	switch m {
	case ResetToEdl:
		return "reset_to_edl"
	case ResetOff:
		return "off"
	default:
		return "reset"
	}
}

// Config holds the session's storage description and the transfer limits
// negotiated with the programmer. The storage fields are fixed for the
// session lifetime; the limits start at the host's wishes and end up at
// whatever the configure exchange settles on.
type Config struct {
	StorageType StorageType
	SectorSize  int
	StorageSlot uint8

	// MaxPayloadSize caps each raw data chunk written to the target.
	MaxPayloadSize int
	// MaxXMLSize caps a single command/response document.
	MaxXMLSize int

	SkipStorageInit bool
	// BypassStorage makes the programmer accept storage ops without
	// executing them (throughput testing).
	BypassStorage bool
	// Verbose asks the programmer itself for chattier logs.
	Verbose bool
}

// Requested payload ceiling before negotiation, and the fallback XML buffer
// size used until the device advertises its own.
const (
	defaultMaxPayloadSize = 1024 * 1024
	defaultMaxXMLSize     = 4096
)
