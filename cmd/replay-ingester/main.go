package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/posthog/replay-ingester/cmd/replay-ingester/app"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(*cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed building app: %v\n", err)
		os.Exit(1)
	}

	if err := a.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "app exited with error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies defaults, then a YAML config file named by -config.file
// if present, then command line flags, so a flag on the command line always
// wins over the file and the file always wins over built-in defaults.
func loadConfig() (*app.Config, error) {
	cfg := app.NewDefaultConfig()

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configFile := fs.String("config.file", "", "YAML config file to load before flag overrides are applied.")
	cfg.RegisterFlagsAndApplyDefaults("", fs)

	// First pass: parse only to discover -config.file. Defaults have
	// already been applied to cfg above, and nothing in the YAML file has
	// been read yet, so this pass's flag values on every other field will
	// be overwritten by the YAML unmarshal below if the file sets them.
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if *configFile != "" {
		buf, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}

		// Second pass: re-apply flags so the command line still wins over
		// values the YAML file just overwrote.
		if err := fs.Parse(os.Args[1:]); err != nil {
			return nil, fmt.Errorf("parsing flags: %w", err)
		}
	}

	return cfg, nil
}
