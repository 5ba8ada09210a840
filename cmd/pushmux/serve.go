package main

import (
	"context"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/pushmux/internal/ingest"
	srtingest "github.com/zsiec/pushmux/internal/ingest/srt"
	"github.com/zsiec/pushmux/internal/pipeline"
	"github.com/zsiec/pushmux/internal/stream"
	"github.com/zsiec/pushmux/writer"
)

const keyPull = "pull"

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept SRT publishers and push each stream to its own output",
		Long: `Serve listens for SRT publishers and remuxes every stream key to the
output template, e.g. --output "out/{key}.flv" or
--output "rtmp://origin/live/{key}". --pull adds srt:// sources to fetch
at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = v.BindPFlag(keySRTLatency, cmd.Flags().Lookup("srt-latency"))
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, v)
		},
	}
	f := cmd.Flags()
	f.String("srt-addr", ":6000", "SRT listen address")
	f.Duration("srt-latency", 0, "SRT receiver latency")
	f.String(keyOutput, "", "output template containing "+ingest.KeyPlaceholder)
	f.StringSlice(keyPull, nil, "srt:// sources to pull at startup")
	_ = v.BindPFlag(keySRTAddr, f.Lookup("srt-addr"))
	_ = v.BindPFlag(keyOutput, f.Lookup(keyOutput))
	_ = v.BindPFlag(keyPull, f.Lookup(keyPull))
	return cmd
}

// server wires SRT ingest to one push job per stream key.
type server struct {
	log      *slog.Logger
	v        *viper.Viper
	template string
	mgr      *stream.Manager
	registry *ingest.Registry
}

func runServe(ctx context.Context, v *viper.Viper) error {
	tmpl := v.GetString(keyOutput)
	// Validate the template before accepting anyone.
	if _, err := ingest.ExpandTemplate(tmpl, "probe"); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	serveMetrics(ctx, g, v.GetString(keyMetricsAddr))

	s := &server{
		log:      slog.Default().With("component", "serve"),
		v:        v,
		template: tmpl,
		mgr:      stream.NewManager(nil),
	}
	// The registry is created after the errgroup so stream handlers see
	// the group's context and stop when any component fails.
	s.registry = ingest.NewRegistry(func(st *ingest.Stream, input io.Reader) {
		s.handleStream(ctx, st, input)
	})
	defer s.mgr.StopAll()

	srtSrv := srtingest.NewServer(v.GetString(keySRTAddr), s.registry, nil)
	srtSrv.Latency = v.GetDuration(keySRTLatency)
	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	caller := srtingest.NewCaller(s.registry, nil)
	caller.DialTimeout = v.GetDuration(keyDialTimeout)
	for _, raw := range v.GetStringSlice(keyPull) {
		src, err := parseSRTSource(raw)
		if err != nil {
			return err
		}
		err = caller.Pull(ctx, srtingest.PullRequest{
			Address:   src.Address,
			StreamKey: src.StreamKey,
			StreamID:  src.StreamID,
			Latency:   v.GetDuration(keySRTLatency),
		})
		if err != nil {
			s.log.Warn("pull failed", "source", raw, "error", err)
		}
	}

	slog.Info("pushmux serving", "version", version,
		"srt", v.GetString(keySRTAddr), "output", tmpl)
	return g.Wait()
}

// handleStream runs the push job for one ingest stream until its input
// ends. Refusing a stream closes its input so the receiver disconnects.
func (s *server) handleStream(ctx context.Context, st *ingest.Stream, input io.Reader) {
	defer st.CloseWrite()

	out, err := ingest.ExpandTemplate(s.template, st.Key)
	if err != nil {
		s.log.Warn("refusing stream", "key", st.Key, "error", err)
		return
	}
	job, created := s.mgr.Create(st.Key, out)
	if !created {
		return
	}

	w := writer.New(writerOptions(s.v)...)
	if err := w.Configure(out, s.v.GetString(keyFormat)); err != nil {
		s.log.Warn("refusing stream", "key", st.Key, "output", out, "error", err)
		s.mgr.Remove(st.Key)
		return
	}

	err = s.mgr.Start(ctx, st.Key, func(ctx context.Context) error {
		return pipeline.New(st.Key, input, w).Run(ctx)
	})
	if err != nil {
		s.log.Warn("job start failed", "key", st.Key, "error", err)
		s.mgr.Remove(st.Key)
		return
	}
	<-job.Done()
	if err := job.Err(); err != nil {
		s.log.Error("push job failed", "key", st.Key, "output", out, "error", err)
	}
}
