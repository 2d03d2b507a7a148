// Package config loads the canlink TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/canlink/canlink"
	"github.com/canlink/canlink/pkg/firmware"
	"github.com/canlink/canlink/pkg/signal"
	"github.com/canlink/canlink/pkg/syncutil"
	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	SchemaVersion = 1
	CfgFile       = "canlink.toml"
	CfgEnv        = "CANLINK_CFG"
)

var ErrSchemaMismatch = errors.New("schema version mismatch")

type Values struct {
	ConfigSchema int                 `toml:"config_schema"`
	Driver       Driver              `toml:"driver"`
	Timing       Timing              `toml:"timing"`
	Reconnect    Reconnect           `toml:"reconnect"`
	Firmware     Firmware            `toml:"firmware"`
	Logging      Logging             `toml:"logging"`
	DBCFiles     []string            `toml:"dbc_files,omitempty"`
	Equipment    []canlink.Equipment `toml:"equipment,omitempty" validate:"dive"`
	Signals      []signal.Descriptor `toml:"signals,omitempty" validate:"dive"`
}

type Driver struct {
	Name       string `toml:"name" validate:"required"`
	DeviceKind uint32 `toml:"device_kind"`
	// SerialPorts maps device indexes to serial ports for SLCAN adapters.
	SerialPorts []string `toml:"serial_ports,omitempty"`
	Bitrate     int      `toml:"bitrate" validate:"gte=0"`
}

type Timing struct {
	StartTimeout Duration `toml:"start_timeout" validate:"gt=0"`
	PollInterval Duration `toml:"poll_interval" validate:"gt=0"`
	TickInterval Duration `toml:"tick_interval" validate:"gt=0"`
	BatchSize    int      `toml:"batch_size" validate:"gte=1"`
	QueueLimit   int      `toml:"queue_limit" validate:"gte=0"`
}

type Reconnect struct {
	Interval      Duration `toml:"interval" validate:"gt=0"`
	IdleThreshold Duration `toml:"idle_threshold" validate:"gt=0"`
	// MaxAttempts of zero retries forever.
	MaxAttempts int `toml:"max_attempts" validate:"gte=0"`
}

type Firmware struct {
	CommandID   uint32   `toml:"command_id" validate:"lte=536870911"`
	DataID      uint32   `toml:"data_id" validate:"lte=536870911"`
	ResponseID  uint32   `toml:"response_id" validate:"lte=536870911"`
	AckTimeout  Duration `toml:"ack_timeout" validate:"gt=0"`
	Retries     uint     `toml:"retries" validate:"gte=1"`
	RetryDelay  Duration `toml:"retry_delay" validate:"gte=0"`
	PacketDelay Duration `toml:"packet_delay" validate:"gte=0"`
	BlockSize   int      `toml:"block_size" validate:"gte=8,lte=256"`
	ByteSwap    bool     `toml:"byte_swap"`
}

type Logging struct {
	Debug      bool   `toml:"debug"`
	File       string `toml:"file,omitempty"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
}

var BaseDefaults = Values{
	ConfigSchema: SchemaVersion,
	Driver: Driver{
		Name:       "zlgcan",
		DeviceKind: 17,
	},
	Timing: Timing{
		StartTimeout: Duration(canlink.DefaultStartTimeout),
		PollInterval: Duration(canlink.DefaultPollInterval),
		TickInterval: Duration(canlink.DefaultTickInterval),
		BatchSize:    canlink.DefaultBatchSize,
		QueueLimit:   canlink.DefaultQueueLimit,
	},
	Reconnect: Reconnect{
		Interval:      Duration(canlink.DefaultReconnectInterval),
		IdleThreshold: Duration(canlink.DefaultIdleThreshold),
	},
	Firmware: Firmware{
		CommandID:   firmware.DefaultCommandID,
		DataID:      firmware.DefaultDataID,
		ResponseID:  firmware.DefaultResponseID,
		AckTimeout:  Duration(firmware.DefaultAckTimeout),
		Retries:     firmware.DefaultRetries,
		RetryDelay:  Duration(firmware.DefaultRetryDelay),
		PacketDelay: Duration(firmware.DefaultPacketDelay),
		BlockSize:   256,
		ByteSwap:    true,
	},
	Logging: Logging{
		MaxSizeMB:  1,
		MaxBackups: 2,
	},
}

type Instance struct {
	fs       afero.Fs
	cfgPath  string
	vals     Values
	defaults Values
	mu       syncutil.RWMutex
}

// NewConfig loads the config at path, or from $CANLINK_CFG when path is
// empty. A missing file is created with the defaults.
func NewConfig(fs afero.Fs, path string, defaults Values) (*Instance, error) {
	if path == "" {
		path = os.Getenv(CfgEnv)
	}
	if path == "" {
		path = CfgFile
	}

	cfg := &Instance{
		fs:       fs,
		cfgPath:  path,
		vals:     defaults,
		defaults: defaults,
	}

	if _, err := fs.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", path).Msg("saving new default config to disk")
		if err := fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load re-reads the file on top of the defaults and validates the result.
func (c *Instance) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := afero.ReadFile(c.fs, c.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	newVals := c.defaults
	if err := toml.Unmarshal(data, &newVals); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if newVals.ConfigSchema != SchemaVersion {
		log.Error().Msgf("schema version mismatch: got %d, expecting %d", newVals.ConfigSchema, SchemaVersion)
		return ErrSchemaMismatch
	}

	if err := Validate(&newVals); err != nil {
		return err
	}

	c.vals = newVals
	return nil
}

func (c *Instance) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := toml.Marshal(&c.vals)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := afero.WriteFile(c.fs, c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Instance) Path() string {
	return c.cfgPath
}

// Values returns a copy of the loaded values.
func (c *Instance) Values() Values {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func Validate(v *Values) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", first.Namespace(), first.Tag(), first.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[canlink.ChannelKey]bool, len(v.Equipment))
	for _, eq := range v.Equipment {
		if seen[eq.Key()] {
			return fmt.Errorf("invalid config: equipment %s listed twice", eq.Key())
		}
		seen[eq.Key()] = true
	}
	for _, d := range v.Signals {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("invalid config: signal %s: %w", d.Name, err)
		}
	}
	return nil
}

// RegistryOptions turns the timing section into registry options.
func (v Values) RegistryOptions() []canlink.Option {
	return []canlink.Option{
		canlink.WithDeviceKind(canlink.DeviceKind(v.Driver.DeviceKind)),
		canlink.WithStartTimeout(v.Timing.StartTimeout.D()),
		canlink.WithPollInterval(v.Timing.PollInterval.D()),
		canlink.WithTickInterval(v.Timing.TickInterval.D()),
		canlink.WithBatchSize(v.Timing.BatchSize),
		canlink.WithQueueLimit(v.Timing.QueueLimit),
	}
}

func (v Values) SupervisorOptions() []canlink.SupervisorOption {
	return []canlink.SupervisorOption{
		canlink.WithReconnectInterval(v.Reconnect.Interval.D()),
		canlink.WithIdleThreshold(v.Reconnect.IdleThreshold.D()),
		canlink.WithMaxAttempts(v.Reconnect.MaxAttempts),
	}
}

func (v Values) FirmwareOptions() []firmware.Option {
	return []firmware.Option{
		firmware.WithIDs(v.Firmware.CommandID, v.Firmware.DataID, v.Firmware.ResponseID),
		firmware.WithAckTimeout(v.Firmware.AckTimeout.D()),
		firmware.WithRetries(v.Firmware.Retries),
		firmware.WithRetryDelay(v.Firmware.RetryDelay.D()),
		firmware.WithPacketDelay(v.Firmware.PacketDelay.D()),
		firmware.WithByteSwap(v.Firmware.ByteSwap),
	}
}

// LookupEquipment finds configured equipment by key.
func (v Values) LookupEquipment(key canlink.ChannelKey) (canlink.Equipment, bool) {
	for _, eq := range v.Equipment {
		if eq.Key() == key {
			return eq, true
		}
	}
	return canlink.Equipment{}, false
}
