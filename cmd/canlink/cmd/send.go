package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	flagExpect  = "expect"
	flagTimeout = "timeout"
)

var sendCmd = &cobra.Command{
	Use:   "send <id> <hexdata>",
	Short: "send one frame, optionally wait for a reply",
	Example: `  canlink send --channel 0-0 7F0 05
  canlink send --channel 0-0 --expect 7F8 7F0 01`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		vals := values(cmd)
		eq, err := channelFlag(cmd, vals)
		if err != nil {
			return err
		}
		id, err := strconv.ParseUint(args[0], 16, 32)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", args[0], err)
		}
		data, err := hex.DecodeString(strings.ReplaceAll(args[1], " ", ""))
		if err != nil {
			return fmt.Errorf("invalid data %q: %w", args[1], err)
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

		expect, _ := cmd.Flags().GetString(flagExpect)
		if expect == "" {
			return reg.Send(ctx, eq.Key(), uint32(id), data)
		}
		want, err := strconv.ParseUint(expect, 16, 32)
		if err != nil {
			return fmt.Errorf("invalid expected id %q: %w", expect, err)
		}
		timeout, _ := cmd.Flags().GetDuration(flagTimeout)
		f, err := reg.SendAndAwait(ctx, eq.Key(), uint32(id), data, uint32(want), timeout)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), f.ColorString())
		return nil
	},
}

func init() {
	f := sendCmd.Flags()
	f.String(flagChannel, "0-0", "channel as device-controller")
	f.String(flagExpect, "", "hex id of the reply to wait for")
	f.Duration(flagTimeout, time.Second, "reply timeout")
	rootCmd.AddCommand(sendCmd)
}
