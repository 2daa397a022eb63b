package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file. Variables from a .env file in
// the working directory are loaded first when the file exists.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	n := &cfg.Node
	if n.Network == "" {
		n.Network = "mainnet"
	}
	if n.APIVersion == "" {
		n.APIVersion = "v3"
	}
	if n.Timeout == 0 {
		n.Timeout = 15 * time.Second
	}
	if n.StatusTTL == 0 {
		n.StatusTTL = 2 * time.Second
	}
	if n.PollInterval == 0 {
		n.PollInterval = 5 * time.Second
	}
	if n.MaxRetries == 0 {
		n.MaxRetries = 3
	}

	ix := &cfg.Indexing
	if ix.IngestConcurrency == 0 {
		ix.IngestConcurrency = 20
	}
	if ix.ScanWindow == 0 {
		ix.ScanWindow = 1000
	}
	if ix.BatchSize == 0 {
		ix.BatchSize = 100
	}
	if ix.MinIndexedThreshold == 0 {
		ix.MinIndexedThreshold = 3
	}
	if ix.GenesisPageSize == 0 {
		ix.GenesisPageSize = 100
	}
	if ix.RescanChunkSize == 0 {
		ix.RescanChunkSize = 100
	}
	if ix.SelfHealMaxDelta == 0 {
		ix.SelfHealMaxDelta = 1000
	}
	if ix.MaxAttempts == 0 {
		ix.MaxAttempts = 5
	}
	if ix.RetryInitialDelay == 0 {
		ix.RetryInitialDelay = 2 * time.Second
	}
	if ix.RetryMaxDelay == 0 {
		ix.RetryMaxDelay = time.Minute
	}

	intervals := []struct {
		field *time.Duration
		def   time.Duration
	}{
		{&ix.GapScanInterval, 5 * time.Minute},
		{&ix.ReadinessInterval, 15 * time.Second},
		{&ix.SelfHealInterval, time.Minute},
		{&ix.NonFinalInterval, time.Minute},
		{&ix.FinalityInterval, 10 * time.Second},
		{&ix.FailedRetryInterval, time.Minute},
		{&ix.RescanInterval, 30 * time.Second},
	}
	for _, iv := range intervals {
		if *iv.field == 0 {
			*iv.field = iv.def
		}
	}
}

// Validate reports configuration that cannot work.
func (c *AppConfig) Validate() error {
	if len(c.Node.Endpoints) == 0 {
		return errors.New("node.endpoints must list at least one URL")
	}
	switch c.Node.APIVersion {
	case "v2", "v3":
	default:
		return fmt.Errorf("node.api_version %q is not supported", c.Node.APIVersion)
	}
	if c.Indexing.IngestConcurrency < 0 {
		return errors.New("indexing.ingest_concurrency must be positive")
	}
	return nil
}
