package firehose

import (
	"errors"
	"strconv"
)

// Configure runs the configure handshake and settles the session's transfer
// limits. Negotiation goes both ways: a target that cannot take the
// requested payload size NAKs with the ceiling it will accept, which is
// adopted and retried once; a target that advertises a higher supported
// ceiling than what was just accepted gets one upward reconfigure.
func (e *Engine) Configure() error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	resp, err := e.configureOnce(e.cfg.MaxPayloadSize)
	if err != nil {
		var nak *NakError
		if !errors.As(err, &nak) {
			return err
		}
		// A NAK that names an acceptable ceiling is a counter-offer.
		ceiling, ok := resp.attrInt("MaxPayloadSizeToTargetInBytes")
		if !ok || ceiling <= 0 || ceiling >= int64(e.cfg.MaxPayloadSize) {
			// Unsalvageable. Kick the target back into a known state so the
			// next session does not inherit a half-configured programmer.
			if _, perr := e.exchange("power", []Attr{{"value", ResetToEdl.wireValue()}}); perr != nil {
				e.log.Debugf("firehose: reset after failed configure: %v", perr)
			}
			return err
		}
		e.log.Debugf("firehose: target capped payload size at %d, retrying", ceiling)
		e.cfg.MaxPayloadSize = int(ceiling)
		if resp, err = e.configureOnce(e.cfg.MaxPayloadSize); err != nil {
			return err
		}
	}

	if minVer, ok := resp.attrInt("MinVersionSupported"); ok && minVer > protoVersionSupported {
		return &VersionError{DeviceMinVersion: uint64(minVer)}
	}
	if xmlSize, ok := resp.attrInt("MaxXMLSizeInBytes"); ok && xmlSize > 0 {
		e.cfg.MaxXMLSize = int(xmlSize)
	}
	if accepted, ok := resp.attrInt("MaxPayloadSizeToTargetInBytes"); ok && accepted > 0 {
		e.cfg.MaxPayloadSize = int(accepted)
	}

	// Some programmers accept a conservative size but advertise a larger one
	// they would prefer. Take them up on it, once.
	if supported, ok := resp.attrInt("MaxPayloadSizeToTargetInBytesSupported"); ok &&
		supported > int64(e.cfg.MaxPayloadSize) {
		e.log.Debugf("firehose: target supports payload size %d, reconfiguring up from %d",
			supported, e.cfg.MaxPayloadSize)
		if _, err := e.configureOnce(int(supported)); err != nil {
			return err
		}
		e.cfg.MaxPayloadSize = int(supported)
	}

	e.log.Debugf("firehose: configured: payload %d bytes, xml %d bytes",
		e.cfg.MaxPayloadSize, e.cfg.MaxXMLSize)
	return nil
}

// configureOnce sends a single configure command. Unlike command(), the
// Response is returned even on NAK so the caller can read the target's
// counter-offer.
func (e *Engine) configureOnce(payloadSize int) (*Response, error) {
	return e.exchange("configure", []Attr{
		{"MemoryName", string(e.cfg.StorageType)},
		{"Verbose", bool01(e.cfg.Verbose)},
		{"AlwaysValidate", "0"},
		{"MaxDigestTableSizeInBytes", "8192"},
		{"MaxPayloadSizeToTargetInBytes", strconv.Itoa(payloadSize)},
		{"ZlpAwareHost", "1"},
		{"SkipStorageInit", bool01(e.cfg.SkipStorageInit)},
		{"SkipWrite", bool01(e.cfg.BypassStorage)},
	})
}
