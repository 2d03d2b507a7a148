package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/canlink/canlink/pkg/hexfile"
	"github.com/spf13/cobra"
)

const flagBlockSize = "block-size"

var hexCmd = &cobra.Command{
	Use:   "hex",
	Short: "inspect Intel HEX files",
}

var hexInfoCmd = &cobra.Command{
	Use:   "info <filename>",
	Short: "print address range and size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := hexfile.ParseFile(fs, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "file:    %s\n", filepath.Base(args[0]))
		fmt.Fprintf(out, "records: %d\n", len(img.Records))
		fmt.Fprintf(out, "range:   0x%08X-0x%08X\n", img.MinAddress, img.MaxAddress)
		fmt.Fprintf(out, "size:    %d bytes\n", img.Size())
		return nil
	},
}

var hexBlocksCmd = &cobra.Command{
	Use:   "blocks <filename>",
	Short: "list the flash blocks with their CRC",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := blockSize(cmd)
		if err != nil {
			return err
		}
		img, err := hexfile.ParseFile(fs, args[0])
		if err != nil {
			return err
		}
		for _, b := range img.Blocks(size) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s crc 0x%04X\n", b, b.CRC())
		}
		return nil
	},
}

// blockSize returns --block-size when set, the configured size otherwise.
func blockSize(cmd *cobra.Command) (int, error) {
	size := values(cmd).Firmware.BlockSize
	if cmd.Flags().Changed(flagBlockSize) {
		size, _ = cmd.Flags().GetInt(flagBlockSize)
	}
	if size < hexfile.BlockAlignment || size > hexfile.DefaultBlockSize || size%hexfile.BlockAlignment != 0 {
		return 0, fmt.Errorf("block size %d must be a multiple of %d up to %d", size, hexfile.BlockAlignment, hexfile.DefaultBlockSize)
	}
	return size, nil
}

func init() {
	hexBlocksCmd.Flags().Int(flagBlockSize, hexfile.DefaultBlockSize, "block size in bytes")
	hexCmd.AddCommand(hexInfoCmd, hexBlocksCmd)
	rootCmd.AddCommand(hexCmd)
}
