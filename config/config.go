// Package config holds the TOML configuration of the relayer service.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap/zapcore"

	"github.com/smartcontractkit/chainlink-common/pkg/config"
	"github.com/smartcontractkit/chainlink-common/pkg/config/configtest"
)

//go:embed docs.toml
var docsTOML string

var defaults Config

func init() {
	if err := configtest.DocDefaultsOnly(strings.NewReader(docsTOML), &defaults, config.DecodeTOML); err != nil {
		log.Fatalf("Failed to initialize defaults from docs: %v", err)
	}
}

// Defaults returns the service defaults. It has no chains.
func Defaults() (c Config) {
	c.SetFrom(&defaults)
	return
}

// Config is the root of the configuration file.
type Config struct {
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	HTTP     HTTPConfig
	Chains   TOMLConfigs
}

type LogConfig struct {
	Level       *zapcore.Level
	JSONConsole *bool
}

type DatabaseConfig struct {
	MaxOpenConns    *int64
	MaxIdleConns    *int64
	ConnMaxLifetime *config.Duration
	MigrateOnStart  *bool
}

type RedisConfig struct {
	PoolSize           *int64
	DialTimeout        *config.Duration
	LockAcquireTimeout *config.Duration
	LockRetryDelay     *config.Duration
}

type HTTPConfig struct {
	ListenAddress *string
	ReadTimeout   *config.Duration
}

// Decode reads a TOML document on top of the defaults. Unknown fields are rejected.
func Decode(r io.Reader) (*Config, error) {
	var f Config
	if err := config.DecodeTOML(r, &f); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c := Defaults()
	if err := c.SetFrom(&f); err != nil {
		return nil, err
	}
	c.SetDefaults()
	return &c, nil
}

// Load decodes and validates the file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, err
	}
	if err := c.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) SetFrom(f *Config) error {
	if v := f.Log.Level; v != nil {
		c.Log.Level = v
	}
	if v := f.Log.JSONConsole; v != nil {
		c.Log.JSONConsole = v
	}
	if v := f.Database.MaxOpenConns; v != nil {
		c.Database.MaxOpenConns = v
	}
	if v := f.Database.MaxIdleConns; v != nil {
		c.Database.MaxIdleConns = v
	}
	if v := f.Database.ConnMaxLifetime; v != nil {
		c.Database.ConnMaxLifetime = v
	}
	if v := f.Database.MigrateOnStart; v != nil {
		c.Database.MigrateOnStart = v
	}
	if v := f.Redis.PoolSize; v != nil {
		c.Redis.PoolSize = v
	}
	if v := f.Redis.DialTimeout; v != nil {
		c.Redis.DialTimeout = v
	}
	if v := f.Redis.LockAcquireTimeout; v != nil {
		c.Redis.LockAcquireTimeout = v
	}
	if v := f.Redis.LockRetryDelay; v != nil {
		c.Redis.LockRetryDelay = v
	}
	if v := f.HTTP.ListenAddress; v != nil {
		c.HTTP.ListenAddress = v
	}
	if v := f.HTTP.ReadTimeout; v != nil {
		c.HTTP.ReadTimeout = v
	}
	return c.Chains.SetFrom(&f.Chains)
}

// SetDefaults fills unset chain and manager fields.
func (c *Config) SetDefaults() {
	for _, ch := range c.Chains {
		ch.SetDefaults()
	}
}

func (c *Config) ValidateConfig() error {
	var err error
	if c.HTTP.ListenAddress == nil || *c.HTTP.ListenAddress == "" {
		err = errors.Join(err, config.ErrMissing{Name: "HTTP.ListenAddress", Msg: "required"})
	}
	if len(c.Chains) == 0 {
		err = errors.Join(err, config.ErrMissing{Name: "Chains", Msg: "must have at least one chain"})
	}
	err = errors.Join(err, c.Chains.ValidateConfig())
	for i, ch := range c.Chains {
		if cerr := ch.ValidateConfig(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("Chains.%d: %w", i, cerr))
		}
	}
	return err
}

func (c *Config) TOMLString() (string, error) {
	b, err := toml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Config) LogLevel() zapcore.Level {
	if c.Log.Level == nil {
		return zapcore.InfoLevel
	}
	return *c.Log.Level
}

func (c *Config) JSONConsole() bool {
	return c.Log.JSONConsole == nil || *c.Log.JSONConsole
}

// EnabledChains returns the chains that are not disabled.
func (c *Config) EnabledChains() (cs TOMLConfigs) {
	for _, ch := range c.Chains {
		if ch.IsEnabled() {
			cs = append(cs, ch)
		}
	}
	return
}
