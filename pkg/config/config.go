package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	SQLite   SQLiteConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Schedule ScheduleConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host                string
	Port                int
	ReadTimeout         int
	WriteTimeout        int
	BodyLimit           int
	TriggerRatePerMin   int
	MaxBatchEvents      int
	MaxReEnrichSpanDays int
	Development         bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled    bool
	Host       string
	Port       int
	Password   string
	DB         int
	KeyPrefix  string
	TTLSeconds int
}

// EngineConfig carries every tunable constant of the scoring engine. Changing
// any of them changes outputs, so PipelineVersion should be bumped alongside.
type EngineConfig struct {
	PipelineVersion string
	Workers         int

	BaselineWindowDays  int
	MinHistory          int
	SparseFraction      float64
	ColdStartDispersion float64
	DispersionFloor     float64
	EWMAAlpha           float64

	ZThreshold     float64
	IQRMultiplier  float64
	CusumDrift     float64
	CusumLimit     float64
	MinAgreement   int
	AnomalyUplift  float64
	MaxUpliftZ     float64

	SnapshotWindowDays int
	MinTierSamples     int
	FallbackBoundaries []float64

	TrendAlpha     float64
	TrendMinPoints int

	// SeasonalPeriod is the cycle length, in days, removed by decomposition.
	SeasonalPeriod int
	// CommitAttempts bounds how often a run is recomputed when a newer run
	// commits while it is computing.
	CommitAttempts int
}

type ScheduleConfig struct {
	Enabled      bool
	Cron         string
	TrailingDays int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads the given file when path is non-empty, otherwise it searches
// the default locations for config.yaml.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/atlas")
	}

	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration produced by setDefaults alone.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("config defaults do not unmarshal: %v", err))
	}
	return &config
}

func (e EngineConfig) Validate() error {
	if e.PipelineVersion == "" {
		return fmt.Errorf("pipelineVersion is required")
	}
	if e.BaselineWindowDays < 2 {
		return fmt.Errorf("baselineWindowDays must be at least 2, got %d", e.BaselineWindowDays)
	}
	if e.MinHistory < 2 || e.MinHistory > e.BaselineWindowDays {
		return fmt.Errorf("minHistory must be in [2, baselineWindowDays], got %d", e.MinHistory)
	}
	if e.SparseFraction < 0 || e.SparseFraction >= 1 {
		return fmt.Errorf("sparseFraction must be in [0, 1), got %f", e.SparseFraction)
	}
	if e.DispersionFloor <= 0 {
		return fmt.Errorf("dispersionFloor must be positive")
	}
	if e.EWMAAlpha <= 0 || e.EWMAAlpha > 1 {
		return fmt.Errorf("ewmaAlpha must be in (0, 1], got %f", e.EWMAAlpha)
	}
	if e.SeasonalPeriod < 2 {
		return fmt.Errorf("seasonalPeriod must be at least 2, got %d", e.SeasonalPeriod)
	}
	if e.CommitAttempts < 1 {
		return fmt.Errorf("commitAttempts must be at least 1, got %d", e.CommitAttempts)
	}
	if e.MinAgreement < 1 || e.MinAgreement > 3 {
		return fmt.Errorf("minAgreement must be in [1, 3], got %d", e.MinAgreement)
	}
	if len(e.FallbackBoundaries) != 4 {
		return fmt.Errorf("fallbackBoundaries must hold 4 values, got %d", len(e.FallbackBoundaries))
	}
	for i := 1; i < len(e.FallbackBoundaries); i++ {
		if e.FallbackBoundaries[i] <= e.FallbackBoundaries[i-1] {
			return fmt.Errorf("fallbackBoundaries must be strictly increasing")
		}
	}
	if e.FallbackBoundaries[0] <= 0 || e.FallbackBoundaries[3] >= 100 {
		return fmt.Errorf("fallbackBoundaries must lie inside (0, 100)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 52428800)
	v.SetDefault("server.triggerRatePerMin", 6)
	v.SetDefault("server.maxBatchEvents", 100000)
	v.SetDefault("server.maxReEnrichSpanDays", 400)
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/atlas.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "atlas")
	v.SetDefault("redis.ttlSeconds", 86400)

	v.SetDefault("engine.pipelineVersion", "atlas-risk/v2.1")
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.baselineWindowDays", 30)
	v.SetDefault("engine.minHistory", 14)
	v.SetDefault("engine.sparseFraction", 0.2)
	v.SetDefault("engine.coldStartDispersion", 25.0)
	v.SetDefault("engine.dispersionFloor", 1e-6)
	v.SetDefault("engine.ewmaAlpha", 0.3)
	v.SetDefault("engine.zThreshold", 2.0)
	v.SetDefault("engine.iqrMultiplier", 1.5)
	v.SetDefault("engine.cusumDrift", 0.5)
	v.SetDefault("engine.cusumLimit", 5.0)
	v.SetDefault("engine.minAgreement", 2)
	v.SetDefault("engine.anomalyUplift", 5.0)
	v.SetDefault("engine.maxUpliftZ", 4.0)
	v.SetDefault("engine.snapshotWindowDays", 7)
	v.SetDefault("engine.minTierSamples", 15)
	v.SetDefault("engine.fallbackBoundaries", []float64{20, 40, 60, 80})
	v.SetDefault("engine.trendAlpha", 0.05)
	v.SetDefault("engine.trendMinPoints", 4)
	v.SetDefault("engine.seasonalPeriod", 7)
	v.SetDefault("engine.commitAttempts", 3)

	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.cron", "0 15 2 * * *")
	v.SetDefault("schedule.trailingDays", 45)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMB", 100)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 30)
	v.SetDefault("logging.compress", true)
}
