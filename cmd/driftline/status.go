package main

import (
	"context"
	"fmt"
	"time"

	driftline "github.com/Driftline-HQ/Driftline/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service health",
	Long:  "Display the current configuration, masked credentials, and the live health of the Driftline service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
			fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		var opts []driftline.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, driftline.WithBaseURL(cfg.Default.BaseURL))
		} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
			opts = append(opts, driftline.WithEnvironment(driftline.Environment(cfg.Default.Environment)))
		}
		client := driftline.NewClient(cfg.Auth.Token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  Error reaching service: %v\n", err)
			return nil
		}
		if !result.Success {
			fmt.Printf("  Service error: %s\n", result.ErrorMessage())
			return nil
		}
		fmt.Printf("  Service:     healthy (%s)\n", client.BaseURL())
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key. Keys too short
// to mask meaningfully are returned whole.
func maskKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
