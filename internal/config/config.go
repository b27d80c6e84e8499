// Package config loads the daemon configuration from a YAML file.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// API configures the remote journal client.
type API struct {
	BaseURL string `yaml:"BaseURL"`
	DevKey  string `yaml:"DevKey"`
}

// Sync configures the background sweeps.
type Sync struct {
	CheckInterval    time.Duration `yaml:"CheckInterval"`
	CheckPageLimit   int           `yaml:"CheckPageLimit"`
	BackfillInterval time.Duration `yaml:"BackfillInterval"`
	BackfillWorkers  int           `yaml:"BackfillWorkers"`
}

// Cache configures the per-session working set.
type Cache struct {
	LoadLimit     int           `yaml:"LoadLimit"`
	MaxCachePages int           `yaml:"MaxCachePages"`
	PageLimit     int           `yaml:"PageLimit"`
	HomeworkTTL   time.Duration `yaml:"HomeworkTTL"`
}

type Config struct {
	Database string `yaml:"Database"`
	LogFile  string `yaml:"LogFile"`
	LogLevel string `yaml:"LogLevel"`
	API      API    `yaml:"API"`
	Sync     Sync   `yaml:"Sync"`
	Cache    Cache  `yaml:"Cache"`
}

// Load reads the configuration at path and fills in defaults for
// omitted fields.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err := yaml.Unmarshal(buf, &conf); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	conf.applyDefaults()
	return &conf, nil
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	var conf Config
	conf.applyDefaults()
	return &conf
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://api.eljur.ru/api"
	}
	if c.API.DevKey == "" {
		// Public developer key shipped with the official API
		// examples; override for production quotas.
		c.API.DevKey = "9235e26e80ac2c509c48fe62db23642c"
	}
	if c.Sync.CheckInterval == 0 {
		c.Sync.CheckInterval = time.Minute
	}
	if c.Sync.CheckPageLimit == 0 {
		c.Sync.CheckPageLimit = 100
	}
	if c.Sync.BackfillInterval == 0 {
		c.Sync.BackfillInterval = 5 * time.Minute
	}
	if c.Sync.BackfillWorkers == 0 {
		c.Sync.BackfillWorkers = 4
	}
	if c.Cache.LoadLimit == 0 {
		c.Cache.LoadLimit = 20
	}
	if c.Cache.MaxCachePages == 0 {
		c.Cache.MaxCachePages = 5
	}
	if c.Cache.PageLimit == 0 {
		c.Cache.PageLimit = 1000
	}
	if c.Cache.HomeworkTTL == 0 {
		c.Cache.HomeworkTTL = time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
