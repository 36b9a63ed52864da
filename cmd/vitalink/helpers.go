package main

import (
	"fmt"
	"os"

	vitalink "github.com/vitalink-health/vitalink-go"
)

// getSession creates an authenticated client and session from stored config.
func getSession() (*vitalink.Session, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'vitalink login <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []vitalink.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, vitalink.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, vitalink.WithEnvironment(vitalink.Environment(cfg.Default.Environment)))
	}

	client := vitalink.NewClient(cfg.Auth.Token, opts...)
	return vitalink.NewSession(client, cfg.Auth.UserID, nil), cfg
}
