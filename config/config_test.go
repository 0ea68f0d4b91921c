package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/config"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peerchat.yml")
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		cfg, err := config.Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if diff := cmp.Diff(config.Default(), cfg); diff != "" {
			t.Errorf("Config (-want, +got):\n%s", diff)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate default: %v", err)
		}
	})

	t.Run("File", func(t *testing.T) {
		cfg, err := config.Load(writeConfig(t, `
http: 127.0.0.1:8080
store:
  kind: badger
  path: /var/lib/peerchat
log:
  level: debug
transfer:
  chunk-timeout: 30s
  max-retries: 3
`))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		want := &config.Config{
			Listen:   ":5000",
			HTTP:     "127.0.0.1:8080",
			Store:    config.Store{Kind: "badger", Path: "/var/lib/peerchat"},
			Log:      config.Log{Level: "debug", Format: "text"},
			Transfer: config.Transfer{ChunkTimeout: 30 * time.Second, MaxRetries: 3},
		}
		if diff := cmp.Diff(want, cfg); diff != "" {
			t.Errorf("Config (-want, +got):\n%s", diff)
		}
	})

	for _, tc := range []struct {
		name, text string
	}{
		{"UnknownField", "listen: \":1\"\nbogus: true\n"},
		{"BadKind", "store:\n  kind: redis\n"},
		{"BadLevel", "log:\n  level: loud\n"},
		{"BadFormat", "log:\n  format: xml\n"},
		{"EmptyListen", "listen: \"\"\n"},
		{"NegativeRetries", "transfer:\n  max-retries: -1\n"},
		{"NotYAML", "{{{"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if cfg, err := config.Load(writeConfig(t, tc.text)); err == nil {
				t.Errorf("Load: got %+v, want error", cfg)
			}
		})
	}

	t.Run("Missing", func(t *testing.T) {
		if _, err := config.Load(filepath.Join(t.TempDir(), "nonesuch.yml")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Load missing: got %v, want not-exist", err)
		}
	})
}

func TestLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Log = config.Log{Level: "warning", Format: "json"}
	log, err := cfg.Logger()
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	if log.GetLevel() != logrus.WarnLevel {
		t.Errorf("Level: got %v, want %v", log.GetLevel(), logrus.WarnLevel)
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("Formatter: got %T, want JSON", log.Formatter)
	}
}

func TestOpenStore(t *testing.T) {
	for _, kind := range []string{"memory", "badger"} {
		t.Run(kind, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "users")
			cfg := config.Default()
			cfg.Store = config.Store{Kind: kind, Path: path}

			s, err := cfg.OpenStore()
			if err != nil {
				t.Fatalf("OpenStore: %v", err)
			}
			id := peerchat.NewUserID()
			if err := s.CreateUser(id, "kim", 3); err != nil {
				t.Fatalf("CreateUser: %v", err)
			}
			if err := s.Save(); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			r, err := cfg.OpenStore()
			if err != nil {
				t.Fatalf("Reopen: %v", err)
			}
			defer r.Close()
			if got := r.Name(id); got != "kim" {
				t.Errorf("Name: got %q, want kim", got)
			}
		})
	}
}

func TestLoadContent(t *testing.T) {
	cfg := config.Default()
	if data, err := cfg.LoadContent(); err != nil || data != nil {
		t.Errorf("LoadContent unset: got (%q, %v), want (nil, nil)", data, err)
	}
	cfg.Content = filepath.Join(t.TempDir(), "bundle.zip")
	if _, err := cfg.LoadContent(); err == nil {
		t.Error("LoadContent missing: got nil error, want error")
	}
	if err := os.WriteFile(cfg.Content, []byte("PK"), 0600); err != nil {
		t.Fatal(err)
	}
	if data, err := cfg.LoadContent(); err != nil || string(data) != "PK" {
		t.Errorf("LoadContent: got (%q, %v), want PK", data, err)
	}
}
