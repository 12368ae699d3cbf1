// qdl talks to Qualcomm targets in emergency download mode: it uploads a
// flash programmer over Sahara and then drives storage operations over the
// firehose protocol.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qdl",
		Short:         "Flash and dump Qualcomm devices in emergency download mode",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.String("backend", "usb", "transport backend (usb or serial)")
	pf.StringP("dev-path", "d", "", "device path (serial port, or bus:addr for usb)")
	pf.String("serial-no", "", "pick the usb device with this serial number")
	pf.StringP("loader-path", "l", "", "flash programmer image to upload")
	pf.StringP("storage-type", "s", "", "storage medium: emmc, ufs, nvme or nand")
	pf.Uint8P("storage-slot", "S", 0, "storage slot")
	pf.Int("sector-size", 0, "sector size in bytes (default depends on storage type)")
	pf.Uint8P("phys-part-idx", "L", 0, "physical partition (LUN) index")
	pf.String("reset-mode", "edl", "how to leave the target: edl, off or system")
	pf.Bool("hash-packets", false, "verify writes against device-computed digests")
	pf.Bool("read-back-verify", false, "re-read written ranges and compare to the source")
	pf.BoolP("skip-hello-wait", "A", false, "pre-send the Sahara hello response")
	pf.Bool("skip-storage-init", false, "tell the programmer not to initialize storage")
	pf.Bool("bypass-storage", false, "accept storage ops without executing them (throughput testing)")
	pf.Bool("print-firehose-log", false, "print device log lines")
	pf.Bool("verbose", false, "debug logging")
	pf.Bool("verbose-sahara", false, "debug logging for the Sahara handshake only")
	pf.Bool("verbose-firehose", false, "debug logging for firehose, and ask the programmer for verbose logs")

	viper.SetEnvPrefix("QDL")
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(pf))

	root.AddCommand(
		newDumpCmd(),
		newDumpPartCmd(),
		newEraseCmd(),
		newFlasherCmd(),
		newNopCmd(),
		newOverwriteStorageCmd(),
		newPeekCmd(),
		newPrintGptCmd(),
		newResetCmd(),
		newSetBootablePartCmd(),
		newWriteCmd(),
	)
	return root
}
