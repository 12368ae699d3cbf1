// Package session ties the pieces together: it brings a target from the
// Sahara bootrom handshake through loader upload into a configured firehose
// session, and implements the storage operations on top.
package session

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/qdl-tools/qdl-go/internal/logger"
	"github.com/qdl-tools/qdl-go/pkg/firehose"
	"github.com/qdl-tools/qdl-go/pkg/sahara"
	"github.com/qdl-tools/qdl-go/pkg/transport"
	"github.com/qdl-tools/qdl-go/pkg/xfer"
)

// Options collects everything needed to establish a session.
type Options struct {
	Backend  transport.Backend
	DevPath  string
	SerialNo string

	// LoaderPath names the flash programmer image uploaded over Sahara.
	LoaderPath string

	Storage firehose.Config

	// SkipHelloWait pre-sends the hello response instead of waiting for the
	// target's hello, for targets whose hello was already consumed.
	SkipHelloWait bool
	// HashPackets verifies each written range against a device-computed
	// SHA-256 digest.
	HashPackets bool
	// ReadBackVerify re-reads each written range and compares it to the
	// source data.
	ReadBackVerify bool
	// ResetMode is how Shutdown leaves the target.
	ResetMode firehose.ResetMode

	// VerboseSahara and VerboseFirehose raise one protocol engine's logging
	// to debug level without touching the other, or the session's own Log.
	VerboseSahara   bool
	VerboseFirehose bool

	Log *zap.SugaredLogger
	// FirehoseLog, when set, receives every device log line for display.
	FirehoseLog func(string)
	// NewProgress, when set, builds a progress callback per transfer.
	NewProgress func(label string, total int64) xfer.ProgressFunc
}

// Session is an established firehose session.
type Session struct {
	opts     Options
	log      *zap.SugaredLogger
	tr       transport.Transport
	fh       *firehose.Engine
	finished bool
}

// Open connects to the target, runs the Sahara handshake, uploads the
// loader, and configures the resulting firehose session.
func Open(opts Options) (*Session, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.ResetMode == "" {
		opts.ResetMode = firehose.ResetToEdl
	}

	loader, err := os.ReadFile(opts.LoaderPath)
	if err != nil {
		return nil, fmt.Errorf("session: reading loader: %w", err)
	}

	tr, err := transport.Open(opts.Backend, opts.DevPath, opts.SerialNo)
	if err != nil {
		return nil, err
	}
	log.Infof("Connected to %s", tr.Name())

	s := &Session{opts: opts, log: log, tr: tr}
	if err := s.establish(loader); err != nil {
		tr.Close()
		return nil, err
	}
	return s, nil
}

// protocolLog returns the session logger, or a debug-level one when the
// per-protocol verbose switch is set.
func (s *Session) protocolLog(verbose bool) *zap.SugaredLogger {
	if !verbose {
		return s.log
	}
	l, err := logger.New(true)
	if err != nil {
		return s.log
	}
	return l
}

func (s *Session) establish(loader []byte) error {
	sa := sahara.New(s.tr, sahara.WithLogger(s.protocolLog(s.opts.VerboseSahara)))
	if s.opts.SkipHelloWait {
		if err := sa.SendHelloResponse(sahara.ModeCommand); err != nil {
			return err
		}
	}

	if serial, err := sa.Execute(sahara.ExecReadSerialNum); err != nil {
		return err
	} else if len(serial) >= 4 {
		s.log.Infof("Target serial number: 0x%08x", binary.LittleEndian.Uint32(serial))
	}
	if hash, err := sa.Execute(sahara.ExecReadOemPkHash); err != nil {
		s.log.Warnf("Could not read OEM public key hash: %v", err)
	} else if len(hash) >= 3 {
		// The target returns the hash three times over; show one copy.
		s.log.Infof("OEM public key hash: %s", hex.EncodeToString(hash[:len(hash)/3]))
	}

	if err := sa.SwitchMode(sahara.ModeImageTxPending); err != nil {
		return err
	}
	if err := sa.LoadImage(loader); err != nil {
		return fmt.Errorf("uploading flash programmer: %w", err)
	}
	s.log.Infof("Flash programmer uploaded (%d bytes)", len(loader))

	fhOpts := []firehose.Option{firehose.WithLogger(s.protocolLog(s.opts.VerboseFirehose))}
	if s.opts.FirehoseLog != nil {
		fhOpts = append(fhOpts, firehose.WithDeviceLog(s.opts.FirehoseLog))
	}
	s.fh = firehose.New(s.tr, s.opts.Storage, fhOpts...)

	if err := s.fh.ReadWelcome(); err != nil {
		return fmt.Errorf("waiting for programmer greeting: %w", err)
	}
	if err := s.fh.Configure(); err != nil {
		return fmt.Errorf("configuring programmer: %w", err)
	}
	return nil
}

// Firehose exposes the underlying engine for operations the session does
// not wrap.
func (s *Session) Firehose() *firehose.Engine {
	return s.fh
}

// Shutdown finishes the session with the configured reset mode and closes
// the transport.
func (s *Session) Shutdown() error {
	err := s.fh.Power(s.opts.ResetMode, 1)
	s.finished = true
	if cerr := s.tr.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the transport. A session that was not shut down cleanly
// gets a best-effort reset back into download mode first, so the next run
// does not find the programmer in an undefined state.
func (s *Session) Close() error {
	if s.finished {
		return nil
	}
	s.finished = true
	if err := s.fh.Power(firehose.ResetToEdl, 1); err != nil {
		s.log.Debugf("session: reset on close: %v", err)
	}
	return s.tr.Close()
}

func (s *Session) progress(label string, total int64) xfer.ProgressFunc {
	if s.opts.NewProgress == nil {
		return nil
	}
	return s.opts.NewProgress(label, total)
}
