package cmd

import (
	"context"
	"io"

	"github.com/canlink/canlink"
	"github.com/canlink/canlink/adapter"
	"github.com/canlink/canlink/pkg/config"
	"github.com/canlink/canlink/pkg/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const (
	flagConfig  = "config"
	flagDebug   = "debug"
	flagAdapter = "adapter"
	flagChannel = "channel"
)

var (
	fs        = afero.NewOsFs()
	cfg       *config.Instance
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:          "canlink",
	Short:        "CAN bus monitor and bootloader flasher",
	Long:         `canlink talks to CAN adapters on test benches: it decodes signals, watches connections and flashes firmware over the bootloader protocol.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		pf := cmd.Flags()
		path, err := pf.GetString(flagConfig)
		if err != nil {
			return err
		}
		c, err := config.NewConfig(fs, path, config.BaseDefaults)
		if err != nil {
			return err
		}
		cfg = c

		vals := c.Values()
		if debug, _ := pf.GetBool(flagDebug); debug {
			vals.Logging.Debug = true
		}
		closer, err := logging.Init(vals.Logging)
		if err != nil {
			return err
		}
		logCloser = closer
		log.Debug().Str("config", c.Path()).Msg("config loaded")
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagConfig, "c", "", "config file, defaults to $"+config.CfgEnv+" or "+config.CfgFile)
	pf.BoolP(flagDebug, "d", false, "debug logging")
	pf.StringP(flagAdapter, "a", "", "adapter name, overrides driver.name")
}

// values returns the loaded config with command line overrides applied.
func values(cmd *cobra.Command) config.Values {
	vals := cfg.Values()
	if name, _ := cmd.Flags().GetString(flagAdapter); name != "" {
		vals.Driver.Name = name
	}
	return vals
}

// newRegistry builds the transport and registry and registers every
// configured channel. Channels that fail are left for the supervisor.
func newRegistry(ctx context.Context, vals config.Values) (*canlink.Registry, error) {
	tr, err := adapter.New(vals.Driver)
	if err != nil {
		return nil, err
	}
	reg := canlink.NewRegistry(tr, vals.RegistryOptions()...)
	for _, eq := range vals.Equipment {
		if err := reg.Register(ctx, eq, false); err != nil {
			log.Warn().Err(err).Stringer("equipment", eq).Msg("initial register failed")
		}
	}
	return reg, nil
}

// channelFlag resolves --channel against the configured equipment. An
// unknown key is accepted as a plain local channel.
func channelFlag(cmd *cobra.Command, vals config.Values) (canlink.Equipment, error) {
	s, err := cmd.Flags().GetString(flagChannel)
	if err != nil {
		return canlink.Equipment{}, err
	}
	key, err := canlink.ParseChannelKey(s)
	if err != nil {
		return canlink.Equipment{}, err
	}
	if eq, ok := vals.LookupEquipment(key); ok {
		return eq, nil
	}
	return canlink.Equipment{DeviceIndex: key.Device, ControllerIndex: key.Controller}, nil
}
