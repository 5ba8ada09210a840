package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/pushmux/internal/ingest"
	srtingest "github.com/zsiec/pushmux/internal/ingest/srt"
	"github.com/zsiec/pushmux/internal/pipeline"
	"github.com/zsiec/pushmux/writer"
)

func newRemuxCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remux <input> <output> [output...]",
		Short: "Remux one MPEG-TS input to one or more outputs",
		Long: `Remux reads MPEG-TS from a file, "-" for stdin, or an srt:// source
(srt://host:port?streamid=name) and writes every output until the input ends.
Outputs may be files or rtmp://, srt://, udp:// and tcp:// destinations.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// serve binds the same key to its own flag.
			_ = v.BindPFlag(keySRTLatency, cmd.Flags().Lookup("srt-latency"))
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRemux(ctx, v, args[0], args[1:])
		},
	}
	cmd.Flags().Duration("srt-latency", 0, "SRT receiver latency for srt:// input")
	return cmd
}

func runRemux(ctx context.Context, v *viper.Viper, input string, outputs []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sinks := make([]pipeline.Sink, 0, len(outputs))
	for _, out := range outputs {
		w := writer.New(writerOptions(v)...)
		if err := w.Configure(out, v.GetString(keyFormat)); err != nil {
			return err
		}
		sinks = append(sinks, w)
	}

	g, ctx := errgroup.WithContext(ctx)
	serveMetrics(ctx, g, v.GetString(keyMetricsAddr))

	r, closeInput, err := openInput(ctx, v, input)
	if err != nil {
		cancel()
		g.Wait()
		return err
	}

	g.Go(func() error {
		defer cancel()
		defer closeInput()
		p := pipeline.New(inputName(input), r, sinks...)
		err := p.Run(ctx)
		st := p.Stats()
		slog.Info("remux finished", "input", input, "tracks", st.Tracks,
			"forwarded", st.Forwarded, "rejected", st.Rejected,
			"uptime_ms", st.Uptime.Milliseconds())
		return err
	})
	return g.Wait()
}

// openInput opens a file, stdin or SRT source. The returned close func
// also unblocks a pending read once ctx ends.
func openInput(ctx context.Context, v *viper.Viper, input string) (io.Reader, func(), error) {
	switch {
	case input == "-":
		return os.Stdin, func() {}, nil
	case strings.HasPrefix(input, "srt://"):
		return pullSRT(ctx, v, input)
	}

	f, err := os.Open(input)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { f.Close() })
	return f, func() {
		stop()
		f.Close()
	}, nil
}

// srtSource is a parsed srt:// input URL.
type srtSource struct {
	Address   string
	StreamKey string
	StreamID  string
}

func parseSRTSource(raw string) (srtSource, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return srtSource{}, fmt.Errorf("parsing SRT input: %w", err)
	}
	if u.Host == "" || u.Port() == "" {
		return srtSource{}, fmt.Errorf("SRT input %q needs host:port", raw)
	}
	src := srtSource{
		Address:  u.Host,
		StreamID: u.Query().Get("streamid"),
	}
	src.StreamKey = strings.Trim(src.StreamID, "/")
	if src.StreamKey == "" {
		src.StreamKey = strings.Trim(u.Path, "/")
	}
	if src.StreamKey == "" {
		src.StreamKey = "remux"
	}
	return src, nil
}

func pullSRT(ctx context.Context, v *viper.Viper, raw string) (io.Reader, func(), error) {
	src, err := parseSRTSource(raw)
	if err != nil {
		return nil, nil, err
	}

	inputs := make(chan io.Reader, 1)
	reg := ingest.NewRegistry(func(_ *ingest.Stream, r io.Reader) {
		inputs <- r
	})
	caller := srtingest.NewCaller(reg, nil)
	caller.DialTimeout = v.GetDuration(keyDialTimeout)

	err = caller.Pull(ctx, srtingest.PullRequest{
		Address:   src.Address,
		StreamKey: src.StreamKey,
		StreamID:  src.StreamID,
		Latency:   v.GetDuration(keySRTLatency),
	})
	if err != nil {
		return nil, nil, err
	}
	return <-inputs, func() {
		if err := caller.Stop(src.StreamKey); err != nil {
			slog.Debug("srt pull already ended", "stream_key", src.StreamKey)
		}
	}, nil
}

func writerOptions(v *viper.Viper) []writer.Option {
	opts := []writer.Option{writer.WithDialTimeout(v.GetDuration(keyDialTimeout))}
	if d := v.GetDuration(keyInterleave); d != 0 {
		opts = append(opts, writer.WithMaxInterleaveDelta(d))
	}
	return opts
}

func inputName(input string) string {
	if input == "-" {
		return "stdin"
	}
	return input
}
