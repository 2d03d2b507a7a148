package cmd

import (
	"fmt"
	"strings"

	"github.com/canlink/canlink/adapter"
	"github.com/canlink/canlink/adapter/slcan"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "list supported adapters and serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		name := color.New(color.FgGreen).SprintFunc()
		for _, a := range adapter.ListAdapters() {
			fmt.Fprintf(out, "%-10s %s", name(a.Name), a.Description)
			if len(a.Alias) > 0 {
				fmt.Fprintf(out, " (aliases: %s)", strings.Join(a.Alias, ", "))
			}
			fmt.Fprintln(out)
		}
		ports, err := slcan.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(out, "\nno serial ports found")
			return nil
		}
		fmt.Fprintln(out, "\nserial ports:")
		for _, p := range ports {
			fmt.Fprintln(out, "  "+p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adaptersCmd)
}
