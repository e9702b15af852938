package main

import (
	"fmt"
	"os"

	"github.com/couchbaselabs/touchview"
	"gopkg.in/yaml.v3"
)

// Config is the contents of the YAML config file.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Views    []ViewConfig   `yaml:"views"`
}

type DatabaseConfig struct {
	URL             string `yaml:"url"`  // Directory or walrus:/file: URL; empty means in-memory
	Name            string `yaml:"name"`
	ReduceBatchSize int    `yaml:"reduce_batch_size,omitempty"`
	MapParallelism  int    `yaml:"map_parallelism,omitempty"`
}

type ViewConfig struct {
	Name      string `yaml:"name"`
	Map       string `yaml:"map"`
	Reduce    string `yaml:"reduce,omitempty"` // JS source or "_count", "_sum", "_stats"
	Collation string `yaml:"collation,omitempty"`
}

func DefaultConfig() Config {
	return Config{Database: DatabaseConfig{Name: "touchview"}}
}

func loadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	if cfg.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	seen := map[string]bool{}
	for i, view := range cfg.Views {
		if view.Name == "" || view.Map == "" {
			return fmt.Errorf("views[%d]: name and map are required", i)
		}
		if seen[view.Name] {
			return fmt.Errorf("views[%d]: duplicate view name %q", i, view.Name)
		}
		seen[view.Name] = true
		if _, err := touchview.ParseCollation(view.Collation); err != nil {
			return fmt.Errorf("views[%d]: %w", i, err)
		}
	}
	return nil
}

// Opens the configured database and defines its views.
func (cfg Config) open() (*touchview.Database, error) {
	db, err := touchview.OpenDatabase(cfg.Database.URL, cfg.Database.Name, &touchview.DatabaseOptions{
		ReduceBatchSize: cfg.Database.ReduceBatchSize,
		MapParallelism:  cfg.Database.MapParallelism,
	})
	if err != nil {
		return nil, err
	}
	for _, vc := range cfg.Views {
		collation, _ := touchview.ParseCollation(vc.Collation)
		def := touchview.ViewDef{Map: vc.Map, Reduce: vc.Reduce}
		if _, err := db.DefineView(vc.Name, def, collation); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}
