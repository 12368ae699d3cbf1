package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/qdl-tools/qdl-go/pkg/session"
)

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <output-dir>",
		Short: "Dump every partition into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(args[0], 0o755); err != nil {
				return err
			}
			return withSession(func(s *session.Session) error {
				return s.DumpAll(physPartIdx(), args[0])
			})
		},
	}
}

func newDumpPartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-part <name> <output-file>",
		Short: "Dump one partition into a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session.Session) error {
				return s.DumpPartition(args[0], physPartIdx(), args[1])
			})
		},
	}
}

func newEraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "erase <name>",
		Short: "Erase one partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session.Session) error {
				return s.Erase(args[0], physPartIdx())
			})
		},
	}
}

func newFlasherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flasher <rawprogram.xml|patch.xml>...",
		Short: "Flash a set of rawprogram/patch descriptor files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session.Session) error {
				return s.Flash(args)
			})
		},
	}
}

func newNopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nop",
		Short: "Establish a session and do nothing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session.Session) error {
				return s.Nop()
			})
		},
	}
}

func newOverwriteStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overwrite-storage <image>",
		Short: "Write a raw image over the whole physical partition, sector 0 up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session.Session) error {
				return s.OverwriteStorage(physPartIdx(), args[0])
			})
		},
	}
}

func newPeekCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peek <address> <length>",
		Short: "Read target memory and print the device's rendering",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return fmt.Errorf("bad address %q: %w", args[0], err)
			}
			length, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return fmt.Errorf("bad length %q: %w", args[1], err)
			}
			return withSession(func(s *session.Session) error {
				lines, err := s.Peek(base, length)
				if err != nil {
					return err
				}
				for _, l := range lines {
					fmt.Println(l)
				}
				return nil
			})
		},
	}
}

func newPrintGptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-gpt",
		Short: "Print the partition table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session.Session) error {
				return s.PrintGPT(os.Stdout, physPartIdx())
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the target per --reset-mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session.Session) error {
				return nil // the shutdown path does the reset
			})
		},
	}
}

func newSetBootablePartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-bootable-part",
		Short: "Mark the physical partition given by -L as bootable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session.Session) error {
				return s.SetBootable(physPartIdx())
			})
		},
	}
}

func newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <name> <image>",
		Short: "Write an image into one partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session.Session) error {
				return s.WritePartition(args[0], physPartIdx(), args[1])
			})
		},
	}
}
