// Package config defines the configuration file of the peerchat server and
// client, and constructs the components it describes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creachadair/peerchat/directory"
	"github.com/creachadair/peerchat/transfer"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// Config is the contents of a configuration file. Fields absent from the file
// keep the values given by Default.
type Config struct {
	// Listen is the TCP address of the packet listener.
	Listen string `yaml:"listen"`

	// HTTP is the address of the HTTP server for WebSocket connections and
	// the admin surface. If empty, no HTTP server is started.
	HTTP string `yaml:"http,omitempty"`

	// Content is the path of the content bundle sent to clients on request.
	// If empty, the bundle is empty.
	Content string `yaml:"content,omitempty"`

	Store    Store    `yaml:"store"`
	Log      Log      `yaml:"log"`
	Transfer Transfer `yaml:"transfer"`
}

// Store selects the directory store.
type Store struct {
	// Kind is "memory" for a store kept in memory and saved to a JSON file,
	// or "badger" for a Badger database.
	Kind string `yaml:"kind"`

	// Path is the JSON file of a memory store, or the database directory of
	// a Badger store. An empty path keeps the store in memory only.
	Path string `yaml:"path"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`  // a logrus level name
	Format string `yaml:"format"` // "text" or "json"
}

// Transfer configures attachment downloads on the client.
type Transfer struct {
	ChunkTimeout time.Duration `yaml:"chunk-timeout,omitempty"`
	MaxRetries   int           `yaml:"max-retries,omitempty"`
	Exclusive    bool          `yaml:"exclusive,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Listen: ":5000",
		Store:  Store{Kind: "memory", Path: "users.json"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Load reads the configuration file at path over the defaults. If path is
// empty, Load returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate reports whether c is a usable configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	switch c.Store.Kind {
	case "memory", "badger":
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", c.Store.Kind))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Transfer.ChunkTimeout < 0 || c.Transfer.MaxRetries < 0 {
		errs = append(errs, errors.New("transfer settings must not be negative"))
	}
	return errors.Join(errs...)
}

// Logger constructs a logger with the configured level and format.
func (c *Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(level)
	switch c.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return log, nil
}

// OpenStore opens the configured directory store and loads its contents.
func (c *Config) OpenStore() (directory.Store, error) {
	var s directory.Store
	switch c.Store.Kind {
	case "memory":
		s = directory.NewMemory(c.Store.Path)
	case "badger":
		db, err := directory.OpenBadger(c.Store.Path)
		if err != nil {
			return nil, err
		}
		s = db
	default:
		return nil, fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	if err := s.Load(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// LoadContent reads the configured content bundle. It returns nil if no
// bundle is configured.
func (c *Config) LoadContent() ([]byte, error) {
	if c.Content == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Content)
	if err != nil {
		return nil, fmt.Errorf("load content: %w", err)
	}
	return data, nil
}

// TransferOptions returns the configured download options.
func (c *Config) TransferOptions() *transfer.Options {
	return &transfer.Options{
		ChunkTimeout: c.Transfer.ChunkTimeout,
		MaxRetries:   c.Transfer.MaxRetries,
		Exclusive:    c.Transfer.Exclusive,
	}
}
