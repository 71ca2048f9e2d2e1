// Command cronicled is the cronicle-edge daemon: spec.md §6's CLI surface
// for a single cluster node (manager-or-worker role is decided at runtime
// by the cluster coordinator, not by a flag).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/cronicle-edge/corectl/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	fs := flag.NewFlagSet(subcommand, flag.ExitOnError)

	var configPath string
	fs.StringVar(&configPath, "config", "", "path to config.yaml (overrides CONFIG_FILE)")
	fs.StringVar(&configPath, "C", "", "shorthand for --config")
	setupPath := fs.String("setup", "", "path to a setup manifest JSON file (init only)")
	secretKey := fs.String("secret-key", "", "override Server.SecretKey")
	secretKeyFile := fs.String("secret-key-file", "", "read Server.SecretKey from this file")
	nocolor := fs.Bool("nocolor", false, "disable ANSI color in log output")
	debugLevel := fs.Int("debug_level", 0, "raise log verbosity (1-9, matches spec.md debug_level)")
	recoverFlag := fs.Bool("recover", false, "acknowledge an unclean prior shutdown and recover")

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("cronicled: %v", err)
	}

	cfg, err := loadConfig(configPath, *secretKey, *secretKeyFile, *debugLevel)
	if err != nil {
		log.Fatalf("cronicled: load config: %v", err)
	}

	switch subcommand {
	case "init":
		if err := runInit(cfg, *setupPath); err != nil {
			log.Fatalf("cronicled init: %v", err)
		}
	case "server":
		if err := runServer(cfg, *nocolor, *recoverFlag); err != nil {
			log.Fatalf("cronicled server: %v", err)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cronicled <init|server> [-C config.yaml] [--secret-key KEY] [--debug_level N] [--recover]")
}

// loadConfig applies the documented flag > env > file > default precedence
// (spec.md §6 Config), then folds in the CLI-only secret-key/debug
// overrides before validating.
func loadConfig(configPath, secretKey, secretKeyFile string, debugLevel int) (*config.Config, error) {
	if trimmed := strings.TrimSpace(configPath); trimmed != "" {
		if err := os.Setenv("CONFIG_FILE", trimmed); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if secretKey != "" {
		cfg.Server.SecretKey = secretKey
	}
	if secretKeyFile != "" {
		cfg.Server.SecretKeyFile = secretKeyFile
		data, err := os.ReadFile(secretKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read secret-key-file: %w", err)
		}
		cfg.Server.SecretKey = strings.TrimSpace(string(data))
	}
	if debugLevel > 0 {
		cfg.Logging.DebugLevel = debugLevel
		if cfg.Logging.Level == "" || cfg.Logging.Level == "info" {
			cfg.Logging.Level = "debug"
		}
	}

	return cfg, nil
}
