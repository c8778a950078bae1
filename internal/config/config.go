package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultTimestampLayout matches the landing-zone export format
// (month-day-year, 24h clock).
const DefaultTimestampLayout = "01-02-2006 15:04:05"

type ConstraintConfig struct {
	Name    string `yaml:"name"`
	Field   string `yaml:"field"`
	Rule    string `yaml:"rule"`    // not_null | non_negative | positive | matches
	Pattern string `yaml:"pattern"` // regex, for rule: matches
	Policy  string `yaml:"policy"`  // drop_row | fail | alert_only
}

type SourceConfig struct {
	Name            string        `yaml:"name"`   // users | orders | events
	Format          string        `yaml:"format"` // csv | json
	Path            string        `yaml:"path"`   // landing directory, append-only
	TimestampLayout string        `yaml:"timestamp_layout"`
	CheckpointPath  string        `yaml:"checkpoint_path"` // .sz suffix enables compression
	MaxRetries      int           `yaml:"max_retries"`
	Backoff         time.Duration `yaml:"backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`

	Constraints []ConstraintConfig `yaml:"constraints"`
}

type LogisticConfig struct {
	Intercept float64            `yaml:"intercept"`
	Weights   map[string]float64 `yaml:"weights"` // keyed by input field name
}

type HTTPScorerConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	UserAgent  string        `yaml:"user_agent"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

type ScoringConfig struct {
	Type    string        `yaml:"type"` // logistic | http
	Name    string        `yaml:"name"`
	Version string        `yaml:"version"` // model stage/version selection is external
	Timeout time.Duration `yaml:"timeout"` // per-record budget
	Inputs  []string      `yaml:"inputs"`  // named AggregateRecord field subset

	Logistic LogisticConfig   `yaml:"logistic"`
	HTTP     HTTPScorerConfig `yaml:"http"`
}

type CSVSinkConfig struct {
	Path string `yaml:"path"`
}

type PostgresSinkConfig struct {
	DSN string `yaml:"dsn"` // empty: assembled from POSTGRES_* env vars
}

type SinksConfig struct {
	CSV      CSVSinkConfig      `yaml:"csv"`
	Postgres PostgresSinkConfig `yaml:"postgres"`
}

type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

type DedupConfig struct {
	Enable  bool          `yaml:"enable"`
	TTL     time.Duration `yaml:"ttl"`      // e.g. 168h (7d)
	MaxKeys int           `yaml:"max_keys"` // cap to bound memory
}

type Config struct {
	DataDir     string         `yaml:"data_dir"`     // clean-record logs live here
	EvalInstant string         `yaml:"eval_instant"` // RFC3339; empty pins to batch start
	Sources     []SourceConfig `yaml:"sources"`
	Scoring     ScoringConfig  `yaml:"scoring"`
	Sinks       SinksConfig    `yaml:"sinks"`
	Server      ServerConfig   `yaml:"server"`
	Dedup       DedupConfig    `yaml:"dedup"`
}

// Load reads the YAML config, applies env overrides from .env (if present),
// and validates the parts every run depends on.
func Load(path string) (Config, error) {
	// a .env file is optional; system env vars still apply
	_ = godotenv.Load()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if len(c.Sources) == 0 {
		return errors.New("no sources configured")
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	seen := map[string]bool{}
	for i := range c.Sources {
		s := &c.Sources[i]
		switch s.Name {
		case "users", "orders", "events":
		default:
			return fmt.Errorf("unknown source name: %q", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source: %q", s.Name)
		}
		seen[s.Name] = true
		if s.Path == "" {
			return fmt.Errorf("source %s: path is required", s.Name)
		}
		switch s.Format {
		case "csv", "json":
		case "":
			s.Format = "csv"
		default:
			return fmt.Errorf("source %s: unsupported format %q", s.Name, s.Format)
		}
		if s.TimestampLayout == "" {
			s.TimestampLayout = DefaultTimestampLayout
		}
		if s.CheckpointPath == "" {
			s.CheckpointPath = c.DataDir + "/" + s.Name + "-checkpoint.json"
		}
	}
	for _, name := range []string{"users", "orders", "events"} {
		if !seen[name] {
			return fmt.Errorf("source %s must be configured (inner join needs all three)", name)
		}
	}
	if c.Sinks.CSV.Path == "" && c.Sinks.Postgres.DSN == "" && os.Getenv("POSTGRES_HOST") == "" {
		return errors.New("no sinks configured (need csv and/or postgres)")
	}
	if c.Scoring.Type == "" {
		c.Scoring.Type = "logistic"
	}
	if c.Scoring.Timeout <= 0 {
		c.Scoring.Timeout = 2 * time.Second
	}
	return nil
}

// PostgresDSN returns the configured DSN, falling back to POSTGRES_* env
// variables the way the docker-compose setup provides them.
func (c *Config) PostgresDSN() string {
	if c.Sinks.Postgres.DSN != "" {
		return c.Sinks.Postgres.DSN
	}
	host := getEnv("POSTGRES_HOST", "")
	if host == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host,
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_USER", "pipeline"),
		getEnv("POSTGRES_PASSWORD", ""),
		getEnv("POSTGRES_DB", "churn"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
