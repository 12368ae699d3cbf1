package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/viper"

	"github.com/qdl-tools/qdl-go/internal/logger"
	"github.com/qdl-tools/qdl-go/pkg/firehose"
	"github.com/qdl-tools/qdl-go/pkg/session"
	"github.com/qdl-tools/qdl-go/pkg/transport"
	"github.com/qdl-tools/qdl-go/pkg/xfer"
)

func buildOptions() (session.Options, error) {
	var opts session.Options

	log, err := logger.New(viper.GetBool("verbose"))
	if err != nil {
		return opts, err
	}
	opts.Log = log

	opts.Backend, err = transport.BackendFromString(viper.GetString("backend"))
	if err != nil {
		return opts, err
	}
	opts.DevPath = viper.GetString("dev-path")
	opts.SerialNo = viper.GetString("serial-no")

	opts.LoaderPath = viper.GetString("loader-path")
	if opts.LoaderPath == "" {
		return opts, fmt.Errorf("a flash programmer is required (--loader-path)")
	}

	st, err := firehose.StorageTypeFromString(viper.GetString("storage-type"))
	if err != nil {
		return opts, err
	}
	sectorSize := viper.GetInt("sector-size")
	if sectorSize == 0 {
		sectorSize = st.DefaultSectorSize()
	}
	if sectorSize <= 0 {
		return opts, fmt.Errorf("storage type %s needs an explicit --sector-size", st)
	}
	opts.Storage = firehose.Config{
		StorageType:     st,
		SectorSize:      sectorSize,
		StorageSlot:     uint8(viper.GetUint("storage-slot")),
		SkipStorageInit: viper.GetBool("skip-storage-init"),
		BypassStorage:   viper.GetBool("bypass-storage"),
		Verbose:         viper.GetBool("verbose-firehose"),
	}
	opts.VerboseSahara = viper.GetBool("verbose-sahara")
	opts.VerboseFirehose = viper.GetBool("verbose-firehose")

	opts.ResetMode, err = firehose.ResetModeFromString(viper.GetString("reset-mode"))
	if err != nil {
		return opts, err
	}
	opts.SkipHelloWait = viper.GetBool("skip-hello-wait")
	opts.HashPackets = viper.GetBool("hash-packets")
	opts.ReadBackVerify = viper.GetBool("read-back-verify")

	if viper.GetBool("print-firehose-log") {
		opts.FirehoseLog = func(line string) { fmt.Println(line) }
	}
	opts.NewProgress = func(label string, total int64) xfer.ProgressFunc {
		bar := progressbar.DefaultBytes(total, label)
		return func(p xfer.Progress) {
			bar.Set64(p.Transferred)
		}
	}
	return opts, nil
}

// withSession runs fn inside an established session. On success the session
// ends with the configured reset mode; on failure the target is kicked back
// into download mode so the next attempt starts clean.
func withSession(fn func(*session.Session) error) error {
	opts, err := buildOptions()
	if err != nil {
		return err
	}
	s, err := session.Open(opts)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := fn(s); err != nil {
		return err
	}
	return s.Shutdown()
}

func physPartIdx() uint8 {
	return uint8(viper.GetUint("phys-part-idx"))
}
