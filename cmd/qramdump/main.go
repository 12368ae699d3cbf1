// qramdump pulls crash memory dumps from a target stuck in Sahara memory
// debug mode, one file per memory region.
package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qdl-tools/qdl-go/internal/logger"
	"github.com/qdl-tools/qdl-go/pkg/sahara"
	"github.com/qdl-tools/qdl-go/pkg/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// dirSink writes each region into its own file under a directory.
type dirSink struct {
	dir string
}

func (d dirSink) Create(name string) (io.WriteCloser, error) {
	return os.Create(filepath.Join(d.dir, filepath.Base(name)))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qramdump [region]...",
		Short:         "Dump crash memory regions over Sahara memory debug mode",
		Long:          "Without arguments every region the target advertises is dumped;\nnaming regions (by filename or description) restricts the dump to those.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}
	pf := root.PersistentFlags()
	pf.String("backend", "usb", "transport backend (usb or serial)")
	pf.StringP("dev-path", "d", "", "device path (serial port, or bus:addr for usb)")
	pf.String("serial-no", "", "pick the usb device with this serial number")
	pf.StringP("output-dir", "o", ".", "directory for the region files")
	pf.Bool("verbose", false, "debug logging")

	viper.SetEnvPrefix("QRAMDUMP")
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(pf))
	return root
}

func run(cmd *cobra.Command, args []string) error {
	log, err := logger.New(viper.GetBool("verbose"))
	if err != nil {
		return err
	}

	backend, err := transport.BackendFromString(viper.GetString("backend"))
	if err != nil {
		return err
	}
	outDir := viper.GetString("output-dir")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	tr, err := transport.Open(backend, viper.GetString("dev-path"), viper.GetString("serial-no"))
	if err != nil {
		return err
	}
	defer tr.Close()
	log.Infof("Connected to %s", tr.Name())

	e := sahara.New(tr, sahara.WithLogger(log))
	if err := e.DumpMemory(args, dirSink{dir: outDir}); err != nil {
		return err
	}
	log.Infof("Memory dump complete, resetting target")
	return e.Reset()
}
