package main

import (
	"testing"

	"github.com/spf13/viper"
)

func TestPerProtocolVerboseFlags(t *testing.T) {
	t.Cleanup(viper.Reset)
	root := newRootCmd()
	for _, name := range []string{"verbose", "verbose-sahara", "verbose-firehose"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("flag --%s is not registered", name)
		}
	}
}

func TestBuildOptionsRoutesProtocolVerbosity(t *testing.T) {
	t.Cleanup(viper.Reset)
	newRootCmd() // bind flag defaults into viper
	viper.Set("loader-path", "prog.mbn")
	viper.Set("storage-type", "emmc")

	// The global flag raises host logging only; neither engine nor the
	// programmer-side Verbose attribute follows it.
	viper.Set("verbose", true)
	opts, err := buildOptions()
	if err != nil {
		t.Fatalf("buildOptions() failed: %v", err)
	}
	if opts.VerboseSahara || opts.VerboseFirehose || opts.Storage.Verbose {
		t.Errorf("global --verbose leaked into protocol verbosity: sahara=%v firehose=%v attr=%v",
			opts.VerboseSahara, opts.VerboseFirehose, opts.Storage.Verbose)
	}

	viper.Set("verbose", false)
	viper.Set("verbose-sahara", true)
	opts, err = buildOptions()
	if err != nil {
		t.Fatalf("buildOptions() failed: %v", err)
	}
	if !opts.VerboseSahara || opts.VerboseFirehose || opts.Storage.Verbose {
		t.Errorf("--verbose-sahara routed wrong: sahara=%v firehose=%v attr=%v",
			opts.VerboseSahara, opts.VerboseFirehose, opts.Storage.Verbose)
	}

	viper.Set("verbose-sahara", false)
	viper.Set("verbose-firehose", true)
	opts, err = buildOptions()
	if err != nil {
		t.Fatalf("buildOptions() failed: %v", err)
	}
	if opts.VerboseSahara || !opts.VerboseFirehose {
		t.Errorf("--verbose-firehose routed wrong: sahara=%v firehose=%v",
			opts.VerboseSahara, opts.VerboseFirehose)
	}
	if !opts.Storage.Verbose {
		t.Error("programmer-side Verbose attribute does not follow --verbose-firehose")
	}
}
