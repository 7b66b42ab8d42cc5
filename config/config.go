package config

import (
	"errors"
	"time"
)

// BackendKind selects the codec backend.
type BackendKind string

const (
	BackendStd  BackendKind = "std"
	BackendVips BackendKind = "vips"
)

// Config is the top-level configuration struct.  All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	// Worker pool controls.  WorkerCount also bounds the number of recode
	// sessions the allocator runs at once.
	WorkerCount int // default: runtime.NumCPU()
	QueueSize   int // max queued jobs before backpressure; default: 256
	JobTimeout  time.Duration

	// WorkingMemoryBytes is the memory budget hint shared by decode and
	// scale buffers.  Each session may hold at most half of it as one bitmap.
	WorkingMemoryBytes int64

	// Streaming / input limits.
	MaxImageBytes int64 // 0 = no limit
	ChunkSize     int   // streaming chunk size in bytes; default 32 KiB

	Backend BackendKind
	Vips    VipsConfig

	Recode     RecodeConfig
	Animated   AnimatedConfig
	Allocation AllocationConfig

	Storage LocalConfig

	// Logging.
	LogLevel  string // "debug", "info", "warn", "error"
	LogFormat string // "text" or "json"
}

// RecodeConfig controls the static image attempt loop and its policy.
type RecodeConfig struct {
	StartQuality      int     // quality ceiling every reset returns to; default 95
	MinQuality        int     // floor for quality reduction; default 50
	QualityStepRatio  float64 // largest per-round quality cut; default 0.85
	MinScaleDownRatio float64 // per-round scale-down ratio K; default 0.75
	MaxAttempts       int     // default 6
	SlopFactor        float64 // default 1.5
	EncodeRetries     int     // retries of a resource-exhausted encode; default 1
}

// AnimatedConfig controls the GIF attempt loop.
type AnimatedConfig struct {
	MaxAttempts int     // default 6
	TargetRatio float64 // fraction of the budget each estimate aims for; default 0.95
}

// AllocationConfig controls how an envelope budget is split.
type AllocationConfig struct {
	HeadroomPercent    float64 // reserved for encoding overhead; default 5
	Redistribute       bool    // re-plan freed bytes onto failed images
	RedistributeRounds int     // default 2
	HardCeilingBytes   int64   // 0 = no protocol ceiling check
}

// VipsConfig configures the libvips backend.
type VipsConfig struct {
	MaxCacheSize int
	ReportLeaks  bool
}

// LocalConfig configures the local filesystem output adapter used by the CLI.
type LocalConfig struct {
	RootDir     string
	Permissions uint32 // default 0644
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		WorkerCount:        0, // resolved at runtime to NumCPU
		QueueSize:          256,
		JobTimeout:         30 * time.Second,
		WorkingMemoryBytes: 256 << 20,
		ChunkSize:          32 * 1024,
		Backend:            BackendStd,
		Recode: RecodeConfig{
			StartQuality:      95,
			MinQuality:        50,
			QualityStepRatio:  0.85,
			MinScaleDownRatio: 0.75,
			MaxAttempts:       6,
			SlopFactor:        1.5,
			EncodeRetries:     1,
		},
		Animated: AnimatedConfig{
			MaxAttempts: 6,
			TargetRatio: 0.95,
		},
		Allocation: AllocationConfig{
			HeadroomPercent:    5,
			RedistributeRounds: 2,
		},
		Storage: LocalConfig{
			Permissions: 0o644,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.WorkingMemoryBytes <= 0 {
		return errors.New("config: WorkingMemoryBytes must be positive")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: ChunkSize must be positive")
	}
	if c.Backend != BackendStd && c.Backend != BackendVips {
		return errors.New("config: Backend must be \"std\" or \"vips\"")
	}
	r := c.Recode
	if r.StartQuality < 1 || r.StartQuality > 100 {
		return errors.New("config: Recode.StartQuality must be between 1 and 100")
	}
	if r.MinQuality < 1 || r.MinQuality > r.StartQuality {
		return errors.New("config: Recode.MinQuality must be between 1 and StartQuality")
	}
	if r.QualityStepRatio <= 0 || r.QualityStepRatio >= 1 {
		return errors.New("config: Recode.QualityStepRatio must be in (0, 1)")
	}
	if r.MinScaleDownRatio <= 0 || r.MinScaleDownRatio >= 1 {
		return errors.New("config: Recode.MinScaleDownRatio must be in (0, 1)")
	}
	if r.MaxAttempts < 1 {
		return errors.New("config: Recode.MaxAttempts must be at least 1")
	}
	if r.SlopFactor < 1 {
		return errors.New("config: Recode.SlopFactor must be at least 1")
	}
	if r.EncodeRetries < 0 {
		return errors.New("config: Recode.EncodeRetries must not be negative")
	}
	if c.Animated.MaxAttempts < 1 {
		return errors.New("config: Animated.MaxAttempts must be at least 1")
	}
	if c.Animated.TargetRatio <= 0 || c.Animated.TargetRatio > 1 {
		return errors.New("config: Animated.TargetRatio must be in (0, 1]")
	}
	a := c.Allocation
	if a.HeadroomPercent < 0 || a.HeadroomPercent >= 100 {
		return errors.New("config: Allocation.HeadroomPercent must be in [0, 100)")
	}
	if a.Redistribute && a.RedistributeRounds < 1 {
		return errors.New("config: Allocation.RedistributeRounds must be at least 1 when Redistribute is set")
	}
	return nil
}
