package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/canlink/canlink/pkg/bar"
	"github.com/canlink/canlink/pkg/firmware"
	"github.com/canlink/canlink/pkg/hexfile"
	"github.com/manifoldco/promptui"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const flagYes = "yes"

var flashCmd = &cobra.Command{
	Use:   "flash <filename>",
	Short: "flash an Intel HEX image through the bootloader",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 900*time.Second)
		defer cancel()

		vals := values(cmd)
		eq, err := channelFlag(cmd, vals)
		if err != nil {
			return err
		}
		size, err := blockSize(cmd)
		if err != nil {
			return err
		}

		filename := args[0]
		img, err := hexfile.ParseFile(fs, filename)
		if err != nil {
			return err
		}
		blocks := img.Blocks(size)
		if err := firmware.Validate(blocks); err != nil {
			return err
		}
		log.Info().Str("file", filepath.Base(filename)).
			Int("bytes", img.Size()).
			Int("blocks", len(blocks)).
			Msgf("loaded 0x%08X-0x%08X", img.MinAddress, img.MaxAddress)

		if yes, _ := cmd.Flags().GetBool(flagYes); !yes {
			fmt.Printf("Flash %s to %s?\n", filepath.Base(filename), eq)
			if !yesNo() {
				return nil
			}
		}

		vals.Equipment = nil
		reg, err := newRegistry(ctx, vals)
		if err != nil {
			return err
		}
		defer reg.Close()
		if err := reg.Register(ctx, eq, false); err != nil {
			return err
		}

		pb := bar.New(len(blocks), "flashing", 1, 1)
		opts := append(vals.FirmwareOptions(),
			firmware.WithProgress(func(p firmware.Progress) {
				pb.Set(p.Completed)
			}),
			firmware.WithStateHook(func(s firmware.State) {
				log.Debug().Stringer("state", s).Msg("flash state")
			}),
		)
		eng := firmware.New(reg, eq.Key(), opts...)
		start := time.Now()
		err = eng.Upgrade(ctx, blocks)
		pb.Finish()
		fmt.Println()
		if err != nil {
			return fmt.Errorf("flash failed in state %s: %w", eng.State(), err)
		}
		log.Info().Dur("took", time.Since(start).Round(time.Millisecond)).Msg("flash done")
		return nil
	},
}

func yesNo() bool {
	prompt := promptui.Select{
		Label:    "[Yes/No]",
		HideHelp: true,
		Items:    []string{"Yes", "No"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		log.Error().Err(err).Msg("prompt failed")
		return false
	}
	return result == "Yes"
}

func init() {
	f := flashCmd.Flags()
	f.String(flagChannel, "0-0", "channel as device-controller")
	f.Int(flagBlockSize, hexfile.DefaultBlockSize, "block size in bytes")
	f.BoolP(flagYes, "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(flashCmd)
}
