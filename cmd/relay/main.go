/*
Copyright 2024 The SocialHub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/config"
	"github.com/socialhub/realtime/pkg/profiling"
	"github.com/socialhub/realtime/pkg/relay"
	"github.com/socialhub/realtime/pkg/telemetry"
)

type options struct {
	configFilePath string
	cpuProfile     string
	memProfile     string
	issueToken     string
	tokenTTL       time.Duration
}

func main() {
	// Parse command line flags.
	var opts options
	flag.StringVar(&opts.configFilePath, "config", "config.yaml", "configuration file path")
	flag.StringVar(&opts.cpuProfile, "cpuProfile", "", "write CPU profile to `file`")
	flag.StringVar(&opts.memProfile, "memProfile", "", "write memory profile to `file`")
	flag.StringVar(&opts.issueToken, "issueToken", "", "print an access token for the `user` and exit")
	flag.DurationVar(&opts.tokenTTL, "tokenTTL", 24*time.Hour, "validity of the printed access token")
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	if err := run(opts); err != nil {
		logrus.WithError(err).Fatal("relay stopped")
	}
}

// Runs the relay until the process is interrupted. Deferred cleanups run before it returns.
func run(opts options) error {
	// Load the config file from the environment variable or path.
	config, err := config.LoadConfig(opts.configFilePath)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	logrus.SetLevel(config.Level())

	if err := config.ValidateRelay(); err != nil {
		return fmt.Errorf("invalid relay config: %w", err)
	}

	auth, err := relay.NewAuthenticator(config.Relay.JWTSecret)
	if err != nil {
		return fmt.Errorf("could not create authenticator: %w", err)
	}

	if opts.issueToken != "" {
		token, err := auth.Issue(opts.issueToken, opts.tokenTTL)
		if err != nil {
			return fmt.Errorf("could not issue token: %w", err)
		}
		fmt.Println(token)
		return nil
	}

	profiler, err := profiling.Start(opts.cpuProfile, opts.memProfile, logrus.WithField("component", "profiling"))
	if err != nil {
		return fmt.Errorf("could not start profiling: %w", err)
	}
	defer profiler.Stop()

	// Handle signal interruptions.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Telemetry.Enabled() {
		provider, err := telemetry.SetupTelemetry(ctx, config.Telemetry)
		if err != nil {
			return fmt.Errorf("could not set up telemetry: %w", err)
		}
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logrus.WithError(err).Warn("could not flush telemetry")
			}
		}()
	}

	server := relay.NewServer(config.Relay, auth, nil, logrus.WithField("component", "relay"))

	// Serve until the process is interrupted.
	return server.ListenAndServe(ctx)
}
