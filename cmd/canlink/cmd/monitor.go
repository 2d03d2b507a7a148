package cmd

import (
	"fmt"

	"github.com/canlink/canlink"
	"github.com/canlink/canlink/pkg/catalog"
	"github.com/canlink/canlink/pkg/config"
	"github.com/canlink/canlink/pkg/monitor"
	"github.com/canlink/canlink/pkg/signal"
	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const flagRaw = "raw"

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "decode catalogued signals and keep channels connected",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		vals := values(cmd)
		if len(vals.Equipment) == 0 {
			return fmt.Errorf("no equipment configured in %s", cfg.Path())
		}

		cat, err := buildCatalog(vals)
		if err != nil {
			return err
		}
		log.Info().Int("signals", cat.Len()).Msg("catalog loaded")

		reg, err := newRegistry(ctx, vals)
		if err != nil {
			return err
		}
		defer reg.Close()

		raw, _ := cmd.Flags().GetBool(flagRaw)
		out := cmd.OutOrStdout()
		key := color.New(color.FgCyan).SprintFunc()
		mon := monitor.New(cat, monitor.OnUpdate(func(k canlink.ChannelKey, vs []signal.Value) {
			for _, v := range vs {
				fmt.Fprintf(out, "%s %s\n", key(k), v)
			}
		}))
		for _, eq := range vals.Equipment {
			k := eq.Key()
			defer mon.Attach(reg, k)()
			if raw {
				defer reg.Subscribe(k, func(k canlink.ChannelKey, frames []canlink.CANFrame) {
					for _, f := range frames {
						fmt.Fprintf(out, "%s %s\n", key(k), f.ColorString())
					}
				})()
			}
		}

		sup := canlink.NewSupervisor(reg, vals.SupervisorOptions()...)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return sup.Run(gctx)
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case evt, ok := <-reg.Events():
					if !ok {
						return nil
					}
					ev := log.Info()
					if !evt.Connected {
						ev = log.Warn()
					}
					ev.Stringer("channel", evt.Key).Msg(evt.String())
				}
			}
		})
		err = g.Wait()
		log.Info().Uint64("frames", mon.Frames()).Msg("monitor stopped")
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func buildCatalog(vals config.Values) (*catalog.Catalog, error) {
	cat := catalog.New()
	if err := cat.Add(vals.Signals...); err != nil {
		return nil, err
	}
	for _, path := range vals.DBCFiles {
		n, err := cat.LoadDBC(fs, path)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("file", path).Int("signals", n).Msg("dbc loaded")
	}
	return cat, nil
}

func init() {
	monitorCmd.Flags().Bool(flagRaw, false, "also print every received frame")
	rootCmd.AddCommand(monitorCmd)
}
