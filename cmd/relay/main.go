// Command relay runs the two WebSocket pipelines described in spec.md:
// a telemetry relay re-broadcasting upstream sensor readings, and a
// video relay re-broadcasting H.264 access units, both served from the
// same process. Grounded on cbackend/src/main.c's bootstrap sequence:
// open listeners, connect upstreams, enter the epoll loop, clean up on
// signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sys/unix"

	"wsrelay/internal/config"
	"wsrelay/internal/csvlog"
	"wsrelay/internal/hub"
	"wsrelay/internal/reactor"
	"wsrelay/internal/session"
	"wsrelay/internal/telemetry"
	"wsrelay/internal/tsdb"
	"wsrelay/internal/video"

	"github.com/redis/go-redis/v9"
)

// VideoSource is the extension point a deployment of this binary wires
// up to supply H.264 access units (spec.md §6: the RTSP demuxer that
// would populate it is an out-of-scope collaborator). Left nil, the
// video WebSocket feed stays open and accepts clients but never
// broadcasts anything.
var VideoSource video.Source

func main() {
	cmd := &cli.Command{
		Name:  "wsrelay",
		Usage: "relay sensor telemetry and H.264 video over WebSocket to downstream browser clients",
		Flags: flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger(cmd.Bool("pretty-log"))
			cfg, err := config.Load(lookupFromCLI(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(ctx, log, cfg)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.IntFlag{Name: "telemetry-port", Usage: "listen port for the telemetry WebSocket feed"},
		&cli.IntFlag{Name: "video-port", Usage: "listen port for the video WebSocket feed"},
		&cli.StringFlag{Name: "upstream-sensor-host", Usage: "upstream sensor data WebSocket host"},
		&cli.IntFlag{Name: "upstream-sensor-port", Usage: "upstream sensor data WebSocket port"},
		&cli.StringFlag{Name: "redis-addr", Usage: "RedisTimeSeries address for persisted readings"},
		&cli.StringFlag{Name: "csv-log-dir", Usage: "directory sensor_log_*.csv files are written to"},
	}
}

// lookupFromCLI adapts urfave/cli flag lookups to envconfig.Process's
// lookuper signature, so a flag takes precedence only when the user
// actually set it; otherwise the RELAY_* environment variable (or the
// built-in default) applies.
func lookupFromCLI(cmd *cli.Command) func(string) (string, bool) {
	intFlags := map[string]string{
		"RELAY_TELEMETRY_PORT":       "telemetry-port",
		"RELAY_VIDEO_PORT":           "video-port",
		"RELAY_UPSTREAM_SENSOR_PORT": "upstream-sensor-port",
	}
	stringFlags := map[string]string{
		"RELAY_UPSTREAM_SENSOR_HOST": "upstream-sensor-host",
		"RELAY_REDIS_ADDR":           "redis-addr",
		"RELAY_CSV_LOG_DIR":          "csv-log-dir",
	}
	return func(key string) (string, bool) {
		if name, ok := intFlags[key]; ok && cmd.IsSet(name) {
			return fmt.Sprintf("%d", cmd.Int(name)), true
		}
		if name, ok := stringFlags[key]; ok && cmd.IsSet(name) {
			return cmd.String(name), true
		}
		return os.LookupEnv(key)
	}
}

// telemetryDialer builds the reactor.Dialer that connects to the
// upstream sensor data WebSocket server and completes the client-side
// opening handshake before handing the fd back to the reactor, per
// spec.md §4.6.
func telemetryDialer(cfg config.Config, log zerolog.Logger) reactor.Dialer {
	return func(ctx context.Context) (int, error) {
		fd, err := reactor.DialTCP(cfg.UpstreamSensorHost, cfg.UpstreamSensorPort)
		if err != nil {
			return 0, err
		}
		host := fmt.Sprintf("%s:%d", cfg.UpstreamSensorHost, cfg.UpstreamSensorPort)
		if err := telemetry.PerformClientHandshake(fd, host, cfg.UpstreamSensorPath); err != nil {
			log.Warn().Err(err).Msg("upstream sensor handshake failed")
			unix.Close(fd)
			return 0, err
		}
		return fd, nil
	}
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// run wires both pipelines and blocks until a shutdown signal arrives,
// mirroring main.c's run-until-SIGINT/SIGTERM structure.
func run(ctx context.Context, log zerolog.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	sink := tsdb.NewSink(redisClient, log.With().Str("component", "tsdb").Logger())

	csvWriter, err := csvlog.Create(cfg.CSVLogDir, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("failed to open CSV log, continuing without it")
	} else {
		defer csvWriter.Close()
	}

	telemetryHub := hub.New(cfg.HubCapacity, nil)
	telemetryPipeline := telemetry.NewPipeline(
		log.With().Str("component", "telemetry").Logger(),
		telemetryHub, sink, csvWriter, telemetry.IdentityTransform,
	)

	telemetryFd, err := reactor.Listen(cfg.TelemetryListenPort)
	if err != nil {
		return fmt.Errorf("listen telemetry port: %w", err)
	}
	telemetryReactor := reactor.New(
		log.With().Str("reactor", "telemetry").Logger(),
		telemetryHub, telemetryFd,
		reactor.WithUpstream(
			telemetryDialer(cfg, log),
			telemetryPipeline.HandleUpstreamChunk,
			nil,
		),
	)
	telemetryHub.SetDetacher(telemetryReactor)

	videoHub := hub.New(cfg.HubCapacity, nil)
	videoPipeline := video.NewPipeline(log.With().Str("component", "video").Logger(), videoHub)

	videoFd, err := reactor.Listen(cfg.VideoListenPort)
	if err != nil {
		return fmt.Errorf("listen video port: %w", err)
	}
	videoReactor := reactor.New(
		log.With().Str("reactor", "video").Logger(),
		videoHub, videoFd,
		reactor.WithClientOpen(func(s *session.Session) {
			_ = videoHub.ReplayStickyConfigTo(s)
		}),
	)
	videoHub.SetDetacher(videoReactor)

	errs := make(chan error, 2)
	go func() { errs <- telemetryReactor.Run(ctx) }()
	go func() { errs <- videoReactor.Run(ctx) }()

	if VideoSource != nil {
		go func() {
			if err := runVideoSource(ctx, VideoSource, videoPipeline); err != nil {
				log.Warn().Err(err).Msg("video source ended")
			}
		}()
	} else {
		log.Info().Msg("no video source configured; video feed will accept clients but stay idle")
	}

	log.Info().
		Int("telemetry_port", cfg.TelemetryListenPort).
		Int("video_port", cfg.VideoListenPort).
		Msg("wsrelay started")

	remaining := 2
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received, draining reactors")
	case err := <-errs:
		remaining--
		if err != nil {
			log.Error().Err(err).Msg("reactor exited with error")
		}
		stop() // cancel ctx so the surviving reactor shuts down too
	}
	grace := time.NewTimer(cfg.ShutdownGrace)
	defer grace.Stop()
	for ; remaining > 0; remaining-- {
		select {
		case <-errs:
		case <-grace.C:
			log.Warn().Int("reactors", remaining).Msg("shutdown grace period elapsed, exiting anyway")
			return nil
		}
	}
	return nil
}

// runVideoSource drains a video.Source into a pipeline until either the
// source ends or ctx is canceled. The RTSP demuxer that produces a
// Source is outside this module's scope (spec.md §6); callers wire in
// whatever concrete Source their deployment provides.
func runVideoSource(ctx context.Context, source video.Source, pipeline *video.Pipeline) error {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	units, err := source.AccessUnits(stop)
	if err != nil {
		return err
	}
	for au := range units {
		pipeline.HandleAccessUnit(au)
	}
	pipeline.Reset()
	return nil
}
