// Package config resolves runtime settings from a YAML file plus environment
// overrides. Env wins over YAML, YAML over defaults. A .env file is loaded
// first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Run modes for the orchestrator.
const (
	ModeStandard       = "standard"
	ModeWeighted       = "weighted"
	ModeHighThroughput = "high-throughput"
)

// Config is the full runtime configuration shared by the three binaries.
type Config struct {
	Endpoints    EndpointsConfig    `yaml:"endpoints"`
	Server       ServerConfig       `yaml:"server"`
	Population   PopulationConfig   `yaml:"population"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Indexer      IndexerConfig      `yaml:"indexer"`
}

// EndpointsConfig names the metagraph layers and sibling services.
type EndpointsConfig struct {
	DataURLs    []string `yaml:"data_urls"`
	ML0URL      string   `yaml:"ml0_url"`
	GL0URL      string   `yaml:"gl0_url"`
	BridgeURL   string   `yaml:"bridge_url"`
	IndexerURL  string   `yaml:"indexer_url"`
	RedisURL    string   `yaml:"redis_url"`
	DatabaseURL string   `yaml:"database_url"`
}

// ServerConfig is the HTTP listener for whichever binary is running.
type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// PopulationConfig governs births, deaths, and fitness.
type PopulationConfig struct {
	TargetPopulation int     `yaml:"target_population"`
	BirthRate        int     `yaml:"birth_rate"`
	DeathRate        float64 `yaml:"death_rate"`
	WalletPoolPath   string  `yaml:"wallet_pool_path"`
}

// OrchestratorConfig governs generation pacing and selection.
type OrchestratorConfig struct {
	Mode                 string             `yaml:"mode"`
	ActivityRate         float64            `yaml:"activity_rate"`
	ProposalRate         float64            `yaml:"proposal_rate"`
	MutationRate         float64            `yaml:"mutation_rate"`
	InitialTemperature   float64            `yaml:"initial_temperature"`
	TemperatureDecay     float64            `yaml:"temperature_decay"`
	MinTemperature       float64            `yaml:"min_temperature"`
	GenerationIntervalMS int                `yaml:"generation_interval_ms"`
	MaxGenerations       int                `yaml:"max_generations"`
	FiberWeights         map[string]float64 `yaml:"fiber_weights"`
	TargetActiveFibers   int                `yaml:"target_active_fibers"`
	TargetTPS            float64            `yaml:"target_tps"`
}

// IndexerConfig governs intake and polling.
type IndexerConfig struct {
	WebhookSecret    string `yaml:"webhook_secret"`
	CallbackURL      string `yaml:"callback_url"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	UseMemoryStore   bool   `yaml:"use_memory_store"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Endpoints: EndpointsConfig{
			DataURLs: []string{"http://localhost:9400"},
			ML0URL:   "http://localhost:9200",
			GL0URL:   "http://localhost:9000",
			RedisURL: "redis://localhost:6379",
		},
		Server: ServerConfig{Port: "8080", Env: "development"},
		Population: PopulationConfig{
			TargetPopulation: 20,
			BirthRate:        2,
			DeathRate:        0.05,
			WalletPoolPath:   "wallet-pool.json",
		},
		Orchestrator: OrchestratorConfig{
			Mode:                 ModeStandard,
			ActivityRate:         0.3,
			ProposalRate:         0.1,
			MutationRate:         0.05,
			InitialTemperature:   1.0,
			TemperatureDecay:     0.995,
			MinTemperature:       0.1,
			GenerationIntervalMS: 5000,
			MaxGenerations:       0,
			TargetActiveFibers:   50,
			TargetTPS:            10,
		},
		Indexer: IndexerConfig{
			PollIntervalMS: 2000,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// FIBERNET_CONFIG (if any), then environment variables. A .env file in the
// working directory is read first so local runs need no exported vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("FIBERNET_CONFIG"); path != "" {
		if err := cfg.mergeYAML(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func (c *Config) mergeYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(c)
}

func (c *Config) applyEnv() error {
	var errs []string

	strVar(&c.Server.Port, "PORT")
	strVar(&c.Endpoints.ML0URL, "ML0_URL")
	strVar(&c.Endpoints.GL0URL, "GL0_URL")
	strVar(&c.Endpoints.BridgeURL, "BRIDGE_URL")
	strVar(&c.Endpoints.IndexerURL, "INDEXER_URL")
	strVar(&c.Endpoints.RedisURL, "REDIS_URL")
	strVar(&c.Endpoints.DatabaseURL, "DATABASE_URL")
	if v := os.Getenv("DL1_URL"); v != "" {
		c.Endpoints.DataURLs = strings.Split(v, ",")
	}

	intVar(&c.Population.TargetPopulation, "TARGET_POPULATION", &errs)
	intVar(&c.Population.BirthRate, "BIRTH_RATE", &errs)
	floatVar(&c.Population.DeathRate, "DEATH_RATE", &errs)
	strVar(&c.Population.WalletPoolPath, "WALLET_POOL_PATH")

	strVar(&c.Orchestrator.Mode, "ORCHESTRATOR_MODE")
	floatVar(&c.Orchestrator.ActivityRate, "ACTIVITY_RATE", &errs)
	floatVar(&c.Orchestrator.ProposalRate, "PROPOSAL_RATE", &errs)
	floatVar(&c.Orchestrator.MutationRate, "MUTATION_RATE", &errs)
	floatVar(&c.Orchestrator.InitialTemperature, "INITIAL_TEMPERATURE", &errs)
	floatVar(&c.Orchestrator.TemperatureDecay, "TEMPERATURE_DECAY", &errs)
	floatVar(&c.Orchestrator.MinTemperature, "MIN_TEMPERATURE", &errs)
	intVar(&c.Orchestrator.GenerationIntervalMS, "GENERATION_INTERVAL_MS", &errs)
	intVar(&c.Orchestrator.MaxGenerations, "MAX_GENERATIONS", &errs)
	intVar(&c.Orchestrator.TargetActiveFibers, "TARGET_ACTIVE_FIBERS", &errs)
	floatVar(&c.Orchestrator.TargetTPS, "TARGET_TPS", &errs)
	if v := os.Getenv("FIBER_WEIGHTS"); v != "" {
		weights, err := parseFiberWeights(v)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			c.Orchestrator.FiberWeights = weights
		}
	}

	strVar(&c.Indexer.WebhookSecret, "WEBHOOK_SECRET")
	strVar(&c.Indexer.CallbackURL, "WEBHOOK_CALLBACK_URL")
	intVar(&c.Indexer.PollIntervalMS, "POLL_INTERVAL_MS", &errs)

	if len(errs) > 0 {
		return fmt.Errorf("bad environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// parseFiberWeights reads "Contract=0.4,Market:prediction=0.3" style specs.
func parseFiberWeights(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.LastIndex(pair, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("FIBER_WEIGHTS entry %q not name=weight", pair)
		}
		w, err := strconv.ParseFloat(pair[idx+1:], 64)
		if err != nil || w < 0 {
			return nil, fmt.Errorf("FIBER_WEIGHTS entry %q has bad weight", pair)
		}
		out[pair[:idx]] = w
	}
	return out, nil
}

func (c *Config) validate() error {
	switch c.Orchestrator.Mode {
	case ModeStandard, ModeWeighted, ModeHighThroughput:
	default:
		return fmt.Errorf("unknown orchestrator mode %q", c.Orchestrator.Mode)
	}
	if c.Population.TargetPopulation < 1 {
		return fmt.Errorf("TARGET_POPULATION must be at least 1")
	}
	if c.Population.DeathRate < 0 || c.Population.DeathRate > 1 {
		return fmt.Errorf("DEATH_RATE must be in [0,1]")
	}
	if c.Orchestrator.ActivityRate <= 0 || c.Orchestrator.ActivityRate > 1 {
		return fmt.Errorf("ACTIVITY_RATE must be in (0,1]")
	}
	if c.Orchestrator.TemperatureDecay <= 0 || c.Orchestrator.TemperatureDecay > 1 {
		return fmt.Errorf("TEMPERATURE_DECAY must be in (0,1]")
	}
	if c.Orchestrator.MinTemperature <= 0 {
		return fmt.Errorf("MIN_TEMPERATURE must be positive")
	}
	if len(c.Endpoints.DataURLs) == 0 {
		return fmt.Errorf("at least one data layer URL is required")
	}
	return nil
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string, errs *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return
	}
	*dst = n
}

func floatVar(dst *float64, key string, errs *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not a number", key, v))
		return
	}
	*dst = f
}
