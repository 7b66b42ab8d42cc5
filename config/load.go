package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override file values,
// e.g. MEDIARECODER_RECODE_MAXATTEMPTS.
const EnvPrefix = "MEDIARECODER"

// Load reads a YAML config file (if path is non-empty), applies environment
// overrides, and fills everything else from Default.  The result is validated.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every field so that AutomaticEnv can see it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("workercount", d.WorkerCount)
	v.SetDefault("queuesize", d.QueueSize)
	v.SetDefault("jobtimeout", d.JobTimeout)
	v.SetDefault("workingmemorybytes", d.WorkingMemoryBytes)
	v.SetDefault("maximagebytes", d.MaxImageBytes)
	v.SetDefault("chunksize", d.ChunkSize)
	v.SetDefault("backend", string(d.Backend))
	v.SetDefault("vips.maxcachesize", d.Vips.MaxCacheSize)
	v.SetDefault("vips.reportleaks", d.Vips.ReportLeaks)

	v.SetDefault("recode.startquality", d.Recode.StartQuality)
	v.SetDefault("recode.minquality", d.Recode.MinQuality)
	v.SetDefault("recode.qualitystepratio", d.Recode.QualityStepRatio)
	v.SetDefault("recode.minscaledownratio", d.Recode.MinScaleDownRatio)
	v.SetDefault("recode.maxattempts", d.Recode.MaxAttempts)
	v.SetDefault("recode.slopfactor", d.Recode.SlopFactor)
	v.SetDefault("recode.encoderetries", d.Recode.EncodeRetries)

	v.SetDefault("animated.maxattempts", d.Animated.MaxAttempts)
	v.SetDefault("animated.targetratio", d.Animated.TargetRatio)

	v.SetDefault("allocation.headroompercent", d.Allocation.HeadroomPercent)
	v.SetDefault("allocation.redistribute", d.Allocation.Redistribute)
	v.SetDefault("allocation.redistributerounds", d.Allocation.RedistributeRounds)
	v.SetDefault("allocation.hardceilingbytes", d.Allocation.HardCeilingBytes)

	v.SetDefault("storage.rootdir", d.Storage.RootDir)
	v.SetDefault("storage.permissions", d.Storage.Permissions)

	v.SetDefault("loglevel", d.LogLevel)
	v.SetDefault("logformat", d.LogFormat)
}
