package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	driftline "github.com/Driftline-HQ/Driftline/sdk/golang"
)

// getClient creates a Driftline client authenticated with the stored token.
func getClient() (*driftline.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'driftline init <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []driftline.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, driftline.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, driftline.WithEnvironment(driftline.Environment(cfg.Default.Environment)))
	}

	return driftline.NewClient(cfg.Auth.Token, opts...), cfg
}

// getSyncStack builds the shared cache controller and channel list sync on
// top of a file-backed store under the config directory.
func getSyncStack() (*driftline.Client, *driftline.ChannelListSync, *Config) {
	client, cfg := getClient()

	cacheDir := cfg.Cache.Dir
	if cacheDir == "" {
		dir, err := configDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve cache directory: %v\n", err)
			os.Exit(1)
		}
		cacheDir = filepath.Join(dir, "cache")
	}

	store, err := driftline.NewFileStore(cacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open cache store: %v\n", err)
		os.Exit(1)
	}

	cacheCfg := &driftline.CacheConfig{}
	if cfg.Cache.TTLMinutes > 0 {
		cacheCfg.TTL = time.Duration(cfg.Cache.TTLMinutes) * time.Minute
	}
	if cfg.Cache.HardMissMinutes > 0 {
		cacheCfg.HardMissWindow = time.Duration(cfg.Cache.HardMissMinutes) * time.Minute
	}

	cache := driftline.NewCacheController(store, cacheCfg)
	// Each CLI invocation is a fresh foreground session; purge anything
	// past the hard-miss window before serving from it.
	cache.Sweep()
	lists := driftline.NewChannelListSync(client, cache, cfg.Auth.UserID)
	return client, lists, cfg
}
