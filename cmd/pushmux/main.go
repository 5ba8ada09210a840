// Command pushmux remuxes live MPEG-TS input into FLV, fragmented MP4 or
// MPEG-TS outputs.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

// Config keys shared by the flags, the environment and pushmux.yaml.
const (
	keyDebug       = "debug"
	keyMetricsAddr = "metrics_addr"
	keyFormat      = "format"
	keyDialTimeout = "dial_timeout"
	keyInterleave  = "max_interleave_delta"
	keySRTAddr     = "srt_addr"
	keySRTLatency  = "srt_latency"
	keyOutput      = "output"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		slog.Error("pushmux failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "pushmux",
		Short:         "Remux live MPEG-TS into FLV, fMP4 or MPEG-TS destinations",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(v, cfgFile); err != nil {
				return err
			}
			setupLogging(v.GetBool(keyDebug))
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./pushmux.yaml)")
	pf.Bool(keyDebug, false, "enable debug logging")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	pf.String(keyFormat, "", "output container: flv, mp4, mpegts (default inferred from output)")
	pf.Duration("dial-timeout", 10*time.Second, "destination connect timeout")
	pf.Duration("max-interleave-delta", 0, "max DTS spread buffered across tracks (0 = default)")

	for key, flag := range map[string]string{
		keyDebug:       "debug",
		keyMetricsAddr: "metrics-addr",
		keyFormat:      "format",
		keyDialTimeout: "dial-timeout",
		keyInterleave:  "max-interleave-delta",
	} {
		_ = v.BindPFlag(key, pf.Lookup(flag))
	}
	// DEBUG is honored unprefixed as well.
	_ = v.BindEnv(keyDebug, "PUSHMUX_DEBUG", "DEBUG")

	root.AddCommand(newRemuxCmd(v), newServeCmd(v))
	return root
}

func loadConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("PUSHMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pushmux")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/pushmux")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
