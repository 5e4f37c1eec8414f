package config

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PlatformConfig carries file-level defaults for metering. Per-key values in
// the versioned config store override these at runtime.
type PlatformConfig struct {
	VectorDimension   int            `mapstructure:"vectorDimension"`
	QuotaThresholds   []int          `mapstructure:"quotaThresholds"`
	QuotaDefaults     map[string]int `mapstructure:"quotaDefaults"`
	PartitionHorizon  int            `mapstructure:"partitionHorizon"`
	ConfigCacheTTLSec int            `mapstructure:"configCacheTTLSec"`
}

func DefaultPlatformConfig() PlatformConfig {
	return PlatformConfig{
		VectorDimension: 1536,
		QuotaThresholds: []int{80, 90, 100},
		QuotaDefaults: map[string]int{
			"bots":        1,
			"collections": 3,
			"documents":   50,
			"searches":    100,
		},
		PartitionHorizon:  2,
		ConfigCacheTTLSec: 30,
	}
}

type PlatformConfigHolder struct {
	current atomic.Value // holds PlatformConfig
}

func NewPlatformConfigHolder() (*PlatformConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("metering")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterd/config")
	v.AddConfigPath("/etc/meterd")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPlatformConfig()
		v.SetDefault("platform.vectorDimension", defaults.VectorDimension)
		v.SetDefault("platform.quotaThresholds", defaults.QuotaThresholds)
		v.SetDefault("platform.quotaDefaults", defaults.QuotaDefaults)
		v.SetDefault("platform.partitionHorizon", defaults.PartitionHorizon)
		v.SetDefault("platform.configCacheTTLSec", defaults.ConfigCacheTTLSec)
	}

	var cfg PlatformConfig
	if err := v.UnmarshalKey("platform", &cfg); err != nil {
		return nil, err
	}
	if err := ValidatePlatformConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PlatformConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlatformConfig
		if err := v.UnmarshalKey("platform", &updated); err != nil {
			log.Printf("[platform-config] reload failed: %v", err)
			return
		}
		if err := ValidatePlatformConfig(updated); err != nil {
			log.Printf("[platform-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[platform-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPlatformConfigHolder wraps a fixed config, bypassing file
// discovery and hot reload.
func NewStaticPlatformConfigHolder(cfg PlatformConfig) *PlatformConfigHolder {
	holder := &PlatformConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *PlatformConfigHolder) Get() PlatformConfig {
	return h.current.Load().(PlatformConfig)
}

func ValidatePlatformConfig(cfg PlatformConfig) error {
	if cfg.VectorDimension < 64 || cfg.VectorDimension > 4096 {
		return errors.New("platform.vectorDimension must be in [64, 4096]")
	}
	if len(cfg.QuotaThresholds) == 0 {
		return errors.New("platform.quotaThresholds cannot be empty")
	}
	if !sort.IntsAreSorted(cfg.QuotaThresholds) {
		return errors.New("platform.quotaThresholds must be ascending")
	}
	for _, p := range cfg.QuotaThresholds {
		if p < 1 || p > 100 {
			return errors.New("platform.quotaThresholds entries must be in [1, 100]")
		}
	}
	if cfg.PartitionHorizon < 0 || cfg.PartitionHorizon > 12 {
		return errors.New("platform.partitionHorizon must be in [0, 12]")
	}
	return nil
}
