package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"gopkg.in/yaml.v3"

	"github.com/allezon/pipeline/cmd/allezon/app"
	"github.com/allezon/pipeline/pkg/util/log"
)

const appName = "allezon"

func main() {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	logger := log.InitLogger(config.LogFormat, config.LogLevel)

	if err := config.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	a, err := app.New(*config)
	if err != nil {
		level.Error(logger).Log("msg", "error initialising "+appName, "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "starting "+appName, "target", config.Target)

	if err := a.Run(); err != nil {
		level.Error(logger).Log("msg", "error running "+appName, "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &app.Config{}

	// Find -config.file and -config.expand-env before the full flag set is
	// registered. Parsing stops on the first unknown flag, so retry from each
	// position.
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buff = []byte(s)
		}

		dec := yaml.NewDecoder(bytes.NewReader(buff))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// overlay with cli
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(flag.CommandLine, configExpandEnvOption, "Whether to expand environment variables in config file")
	flag.Parse()

	// environment variables win over file and flags
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}

	return config, nil
}
