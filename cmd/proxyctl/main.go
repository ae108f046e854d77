// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command proxyctl exercises a proxy pool from the command line: fetch a
// URL through the pool, or probe every configured proxy.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	proxypool "github.com/bufbuild/proxypool"
	"github.com/bufbuild/proxypool/descriptor"
	"github.com/bufbuild/proxypool/health"
	"github.com/bufbuild/proxypool/picker"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	debugFlag bool
	logger    zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "proxyctl",
	Short: "Route HTTP requests through a rotating pool of egress proxies",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := zerolog.ParseLevel(viper.GetString("log_level"))
		if err != nil || level == zerolog.NoLevel {
			level = zerolog.InfoLevel
		}
		if debugFlag {
			level = zerolog.DebugLevel
		}
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(consoleWriter).
			Level(level).
			With().Timestamp().
			Logger()
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [url]",
	Short: "Fetch a URL through the pool, retrying across proxies on failure",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dispatcher, err := buildDispatcher()
		if err != nil {
			logger.Error().Err(err).Msg("building dispatcher")
			os.Exit(1)
		}
		defer dispatcher.Close()

		method, _ := cmd.Flags().GetString("method")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		resp, err := dispatcher.Execute(ctx, method, args[0], nil, nil)
		if err != nil {
			logger.Error().Err(err).Msg("fetch failed")
			os.Exit(1)
		}
		defer resp.Body.Close()

		logger.Info().Int("status", resp.StatusCode).Msg("fetch succeeded")
		if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
			logger.Error().Err(err).Msg("reading response body")
			os.Exit(1)
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every configured proxy, including those in cooldown",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		dispatcher, err := buildDispatcher()
		if err != nil {
			logger.Error().Err(err).Msg("building dispatcher")
			os.Exit(1)
		}
		defer dispatcher.Close()

		target := viper.GetString("probe_target")
		concurrency := viper.GetInt("probe_concurrency")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		results, err := dispatcher.ProbeAll(ctx, target, concurrency)
		if err != nil {
			logger.Error().Err(err).Msg("probing interrupted")
			os.Exit(1)
		}
		failed := 0
		for _, result := range results {
			if result.Err != nil {
				failed++
				fmt.Printf("%-40s FAIL  %v\n", result.Proxy, result.Err)
				continue
			}
			fmt.Printf("%-40s OK    %v\n", result.Proxy, result.Elapsed.Round(time.Millisecond))
		}
		logger.Info().
			Int("total", len(results)).
			Int("failed", failed).
			Msg("probe run complete")
		if failed > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	fetchCmd.Flags().StringP("method", "X", http.MethodGet, "HTTP method to use")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(checkCmd)
}

func initConfig() {
	viper.SetConfigName("proxyctl")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.proxyctl")
	viper.AddConfigPath("/etc/proxyctl/")

	viper.SetDefault("log_level", "info")
	viper.SetDefault("policy", "roundrobin")
	viper.SetDefault("probe_target", "https://www.google.com/generate_204")
	viper.SetDefault("probe_concurrency", 0)

	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Error reading config file: %v\n", err)
		os.Exit(1)
	}
}

// buildDispatcher assembles the pool and dispatcher from viper config.
func buildDispatcher() (*proxypool.Dispatcher, error) {
	rawProxies := viper.GetStringSlice("proxies")
	if len(rawProxies) == 0 {
		return nil, fmt.Errorf("no proxies configured")
	}
	descs := make([]descriptor.Descriptor, 0, len(rawProxies))
	for _, raw := range rawProxies {
		desc, err := descriptor.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: %w", raw, err)
		}
		descs = append(descs, desc)
	}

	var trackerOpts []health.Option
	if threshold := viper.GetInt("failure_threshold"); threshold > 0 {
		trackerOpts = append(trackerOpts, health.WithFailureThreshold(threshold))
	}
	if base := viper.GetDuration("backoff_base"); base > 0 {
		backoffCap := viper.GetDuration("backoff_cap")
		if backoffCap <= 0 {
			backoffCap = health.DefaultBackoffCap
		}
		trackerOpts = append(trackerOpts, health.WithBackoff(base, backoffCap))
	}
	pool, err := proxypool.NewPool(descs,
		proxypool.WithHealthTracker(health.NewTracker(trackerOpts...)))
	if err != nil {
		return nil, err
	}

	var factory picker.Factory
	switch policy := viper.GetString("policy"); policy {
	case "roundrobin":
		factory = picker.NewRoundRobin()
	case "random":
		factory = picker.NewRandom(nil)
	case "weighted":
		factory = picker.NewWeightedByHealth(nil)
	default:
		return nil, fmt.Errorf("unknown policy %q (want roundrobin, random, or weighted)", policy)
	}

	opts := []proxypool.DispatcherOption{
		proxypool.WithPicker(factory),
		proxypool.WithLogger(logger),
	}
	if attempts := viper.GetInt("max_attempts"); attempts > 0 {
		opts = append(opts, proxypool.WithMaxAttempts(attempts))
	}
	if timeout := viper.GetDuration("per_attempt_timeout"); timeout > 0 {
		opts = append(opts, proxypool.WithPerAttemptTimeout(timeout))
	}
	tlsConfig, err := baseTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, proxypool.WithTLSConfig(tlsConfig, 0))
	}
	return proxypool.NewDispatcher(pool, opts...), nil
}

// baseTLSConfig builds trust settings shared by every proxy in the pool.
// Per-descriptor trust anchors still take precedence.
func baseTLSConfig() (*tls.Config, error) {
	caFile := viper.GetString("ca_file")
	insecure := viper.GetBool("insecure")
	if caFile == "" && !insecure {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_file: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s contains no usable certificates", caFile)
		}
		tlsConfig.RootCAs = certPool
	}
	//nolint:gosec // operator opt-in via config, mirrored by descriptor-level opt-in
	tlsConfig.InsecureSkipVerify = insecure
	return tlsConfig, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
