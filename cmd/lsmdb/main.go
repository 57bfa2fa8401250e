package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-yaml"

	"lsmkv/pkg/batch"
	"lsmkv/pkg/config"
	"lsmkv/pkg/db"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", "", "path to a YAML config file (logger + db options)")
	dataDir := flag.String("datadir", "lsmkv-data", "database directory")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("lsmdb: loading config", "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	store, err := db.Open(*dataDir, cfg.DB, nil)
	if err != nil {
		slog.Error("lsmdb: opening database", "dir", *dataDir, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("lsmdb: closing database", "error", err)
		}
	}()

	if err := smokeTest(ctx, store); err != nil {
		slog.Error("lsmdb: smoke test", "error", err)
		os.Exit(1)
	}

	slog.Info("lsmdb ready", "datadir", *dataDir)
	<-ctx.Done()
	slog.Info("lsmdb stopping")
}

// smokeTest exercises the write and read paths once at startup, the
// same way the teacher's main printed a one-line readiness banner
// before falling into its serve loop.
func smokeTest(ctx context.Context, store db.DB) error {
	b := batch.New()
	b.Put([]byte("lsmkv:startup"), []byte("ok"))
	if err := store.Write(ctx, b, config.WriteOptions{Sync: true}); err != nil {
		return err
	}
	_, err := store.Get(ctx, []byte("lsmkv:startup"), config.ReadOptions{})
	return err
}

// loadConfig reads the logger and database options from a YAML file at
// path. An empty path, or a missing file, falls back to config.Default().
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return config.Default(), nil
		}
		return config.Config{}, err
	}
	cfg := config.Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// initLogger installs the process-wide slog.Logger, JSON or text keyed
// off the loaded config, mirroring the teacher's own logger setup.
func initLogger(cfg *config.Config) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: true}
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}
