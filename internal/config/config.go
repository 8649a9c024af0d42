package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Input      InputConfig      `yaml:"input" mapstructure:"input"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Cadence    CadenceConfig    `yaml:"cadence" mapstructure:"cadence"`
	Aggregate  AggregateConfig  `yaml:"aggregate" mapstructure:"aggregate"`
	Sink       SinkConfig       `yaml:"sink" mapstructure:"sink"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Distances  DistancesConfig  `yaml:"distances" mapstructure:"distances"`
	Panel      PanelConfig      `yaml:"panel" mapstructure:"panel"`
}

// InputConfig names the input tables. Any path may be an http(s) URL.
type InputConfig struct {
	EntityKind      string `yaml:"entity_kind" mapstructure:"entity_kind"`
	// MergeNYC folds the five New York City boroughs into one county.
	MergeNYC        bool   `yaml:"merge_nyc" mapstructure:"merge_nyc"`
	Edges           string `yaml:"edges" mapstructure:"edges"`
	Distances       string `yaml:"distances" mapstructure:"distances"`
	Mobility        string `yaml:"mobility" mapstructure:"mobility"`
	Outcomes        string `yaml:"outcomes" mapstructure:"outcomes"`
	CountColumn     string `yaml:"count_column" mapstructure:"count_column"`
	Population      string `yaml:"population" mapstructure:"population"`
	PopulationSheet string `yaml:"population_sheet" mapstructure:"population_sheet"`
	Latin1          bool   `yaml:"latin1" mapstructure:"latin1"`
	TempDir         string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// IngestConfig holds the data integrity threshold.
type IngestConfig struct {
	MaxSkipRate float64 `yaml:"max_skip_rate" mapstructure:"max_skip_rate"`
}

// CadenceConfig selects the output time steps.
type CadenceConfig struct {
	Weekday string `yaml:"weekday" mapstructure:"weekday"`
	Stride  int    `yaml:"stride" mapstructure:"stride"`
	Start   string `yaml:"start" mapstructure:"start"`
}

// AggregateConfig configures the weighted aggregation run.
type AggregateConfig struct {
	Measure     string `yaml:"measure" mapstructure:"measure"`
	Outcome     string `yaml:"outcome" mapstructure:"outcome"`
	Weighting   string `yaml:"weighting" mapstructure:"weighting"`
	SelfLoop    string `yaml:"self_loop" mapstructure:"self_loop"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	Partition   string `yaml:"partition" mapstructure:"partition"`
	PrefixLen   int    `yaml:"prefix_len" mapstructure:"prefix_len"`
	StepChunk   int    `yaml:"step_chunk" mapstructure:"step_chunk"`
	// Verify re-runs unpartitioned and fails on any difference.
	Verify bool `yaml:"verify" mapstructure:"verify"`
}

// SinkConfig selects and configures the output writer.
type SinkConfig struct {
	Kind        string `yaml:"kind" mapstructure:"kind"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Table       string `yaml:"table" mapstructure:"table"`
	RunsTable   string `yaml:"runs_table" mapstructure:"runs_table"`
	Upsert      bool   `yaml:"upsert" mapstructure:"upsert"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// FetchConfig configures downloads of remote inputs.
type FetchConfig struct {
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// MonitoringConfig configures run metrics and data quality alerts.
type MonitoringConfig struct {
	TextfilePath string `yaml:"textfile_path" mapstructure:"textfile_path"`
	WebhookURL   string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// SkipRateThreshold alerts when any input skips more than this fraction
	// of its rows, even if the load stayed under ingest.max_skip_rate.
	SkipRateThreshold float64 `yaml:"skip_rate_threshold" mapstructure:"skip_rate_threshold"`
	// ExcludedThreshold alerts when more than this fraction of homes had
	// zero total weight.
	ExcludedThreshold float64 `yaml:"excluded_threshold" mapstructure:"excluded_threshold"`
	// ClampThreshold alerts when more than this many negative deltas were
	// clamped. Zero disables the check.
	ClampThreshold int `yaml:"clamp_threshold" mapstructure:"clamp_threshold"`
}

// DistancesConfig configures the centroid distance table build.
type DistancesConfig struct {
	Shapefile   string  `yaml:"shapefile" mapstructure:"shapefile"`
	Gazetteer   string  `yaml:"gazetteer" mapstructure:"gazetteer"`
	IDField     string  `yaml:"id_field" mapstructure:"id_field"`
	RadiusMiles float64 `yaml:"radius_miles" mapstructure:"radius_miles"`
	IncludeSelf bool    `yaml:"include_self" mapstructure:"include_self"`
	Output      string  `yaml:"output" mapstructure:"output"`
}

// PanelConfig configures the wide panel export.
type PanelConfig struct {
	Spec   string `yaml:"spec" mapstructure:"spec"`
	Output string `yaml:"output" mapstructure:"output"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCIPROX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("input.entity_kind", "county")
	v.SetDefault("input.merge_nyc", true)
	v.SetDefault("input.temp_dir", "/tmp/sci-proximity")
	v.SetDefault("ingest.max_skip_rate", 0.5)
	v.SetDefault("cadence.weekday", "monday")
	v.SetDefault("cadence.stride", 2)
	v.SetDefault("aggregate.measure", "sci_cases")
	v.SetDefault("aggregate.outcome", "cumulative")
	v.SetDefault("aggregate.weighting", "connectivity")
	v.SetDefault("aggregate.self_loop", "none")
	v.SetDefault("aggregate.partition", "home-prefix")
	v.SetDefault("aggregate.prefix_len", 2)
	v.SetDefault("aggregate.step_chunk", 4)
	v.SetDefault("sink.kind", "file")
	v.SetDefault("sink.path", "-")
	v.SetDefault("sink.batch_size", 5000)
	v.SetDefault("sink.max_conns", 4)
	v.SetDefault("sink.min_conns", 1)
	v.SetDefault("fetch.user_agent", "sci-proximity/1.0")
	v.SetDefault("fetch.timeout_secs", 300)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_per_sec", 5.0)
	v.SetDefault("monitoring.skip_rate_threshold", 0.05)
	v.SetDefault("monitoring.excluded_threshold", 0.01)
	v.SetDefault("distances.id_field", "GEOID")
	v.SetDefault("distances.radius_miles", 500.0)
	v.SetDefault("distances.output", "-")
	v.SetDefault("panel.output", "-")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is the command name.
func (c *Config) Validate(mode string) error {
	var problems []string
	need := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch mode {
	case "aggregate", "verify":
		need(c.Input.Outcomes != "", "input.outcomes is required")
		switch c.Aggregate.Weighting {
		case "connectivity":
			need(c.Input.Edges != "", "input.edges is required for connectivity weighting")
		case "distance":
			need(c.Input.Distances != "", "input.distances is required for distance weighting")
		case "mobility":
			need(c.Input.Mobility != "", "input.mobility is required for mobility weighting")
		default:
			problems = append(problems, "aggregate.weighting must be connectivity, distance or mobility")
		}
		need(c.Aggregate.Measure != "", "aggregate.measure is required")
		need(c.Aggregate.Concurrency >= 0, "aggregate.concurrency must be >= 0")
		need(c.Aggregate.PrefixLen >= 1 && c.Aggregate.PrefixLen <= 5, "aggregate.prefix_len must be between 1 and 5")
		if mode == "aggregate" && c.Sink.Kind == "postgres" {
			need(c.Sink.DatabaseURL != "", "sink.database_url is required for the postgres sink")
		}
	case "outcomes":
		need(c.Input.Outcomes != "", "input.outcomes is required")
	case "distances":
		need(c.Distances.Shapefile != "" || c.Distances.Gazetteer != "", "distances.shapefile or distances.gazetteer is required")
		need(c.Distances.RadiusMiles >= 0, "distances.radius_miles must be >= 0")
	case "panel":
		need(c.Panel.Spec != "", "panel.spec is required")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	need(c.Ingest.MaxSkipRate >= 0 && c.Ingest.MaxSkipRate <= 1, "ingest.max_skip_rate must be between 0 and 1")
	need(c.Cadence.Stride >= 1, "cadence.stride must be >= 1")

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
