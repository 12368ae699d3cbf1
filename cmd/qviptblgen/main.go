// qviptblgen generates the signed-hash tables for Validated Image
// Programming from a flashing command XML.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qdl-tools/qdl-go/internal/logger"
	"github.com/qdl-tools/qdl-go/pkg/vip"
)

// VIP programmers fetch chained tables in fixed 8 KiB reads.
const chainedTableSize = 8192

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qviptblgen <commands.xml>",
		Short:         "Generate VIP digest tables for a flashing command file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}
	pf := root.PersistentFlags()
	pf.StringP("output-dir", "o", ".", "directory for signme.mbn and tables.bin")
	pf.IntP("send-buffer-size", "s", 1048576, "payload chunk size the host will use")
	pf.Bool("verbose", false, "debug logging")

	viper.SetEnvPrefix("QVIPTBLGEN")
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(pf))
	return root
}

func run(cmd *cobra.Command, args []string) error {
	log, err := logger.New(viper.GetBool("verbose"))
	if err != nil {
		return err
	}
	outDir := viper.GetString("output-dir")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	digests, err := vip.CalcHashes(args[0], viper.GetInt("send-buffer-size"))
	if err != nil {
		return err
	}
	log.Infof("Computed %d packet digests from %s", len(digests), args[0])

	if err := vip.GenHashTables(digests, outDir, chainedTableSize); err != nil {
		return err
	}
	log.Infof("Wrote digest tables to %s", outDir)
	return nil
}
