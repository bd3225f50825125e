package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/loqalabs/loqa-menu/internal/bus"
	"github.com/loqalabs/loqa-menu/internal/capture"
	"github.com/loqalabs/loqa-menu/internal/config"
	"github.com/loqalabs/loqa-menu/internal/natsserver"
	"github.com/loqalabs/loqa-menu/internal/recommend"
	"github.com/loqalabs/loqa-menu/internal/runtime"
	"github.com/loqalabs/loqa-menu/internal/session"
)

const defaultConfigPath = "loqa-menu.yaml"

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	app := &cli.App{
		Name:    "loqa-menu",
		Usage:   "Speak what you feel like eating, get menu recommendations",
		Version: runtime.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: defaultConfigPath, EnvVars: []string{"LOQA_MENU_CONFIG"}, Usage: "Path to configuration file"},
			&cli.StringFlag{Name: "log-level", Usage: "Override telemetry.log_level (debug|info|warn|error)"},
		},
		Commands: []*cli.Command{
			serveCmd(),
			recordCmd(),
			lookupCmd(),
			versionCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, playback server and event stream",
		Action: func(c *cli.Context) error {
			cfg, path, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := newLogger(os.Stdout, logLevel(c, cfg))

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runtime.New(cfg, path, logger).Start(ctx); err != nil {
				return fmt.Errorf("runtime exited with error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func recordCmd() *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "Record from the configured device, then optionally look up recommendations",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "duration", Aliases: []string{"d"}, Value: 5 * time.Second, Usage: "Stop after this long (Ctrl-C stops early)"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Write the recording to this path"},
			&cli.BoolFlag{Name: "lookup", Aliases: []string{"l"}, Usage: "Send the recording for recommendations"},
			&cli.StringFlag{Name: "location", Usage: "Search location (defaults to lookup.default_location)"},
			&cli.BoolFlag{Name: "json", Usage: "Print the lookup outcome as JSON"},
		},
		Action: func(c *cli.Context) error {
			cfg, _, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := newLogger(os.Stderr, logLevel(c, cfg))

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			busClient, closeBus, err := connectBus(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeBus()

			device, err := capture.NewDevice(cfg.Capture, busClient)
			if err != nil {
				return err
			}
			svc := newSession(c.Context, cfg, device, logger)
			defer svc.Close()

			if err := svc.StartRecording(ctx); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "recording for up to %s, press Ctrl-C to stop\n", c.Duration("duration"))

			ended := svc.Ended()
			select {
			case <-ctx.Done():
			case <-ended:
			case <-time.After(c.Duration("duration")):
			}
			artifact, err := svc.StopRecording()
			if err != nil {
				return err
			}
			if artifact == nil {
				return errors.New("recording ended before any audio was captured")
			}
			printArtifact(c.App.Writer, artifact)

			if out := c.String("out"); out != "" {
				if err := os.WriteFile(out, artifact.Bytes(), 0o644); err != nil {
					return fmt.Errorf("write recording: %w", err)
				}
				fmt.Fprintf(c.App.Writer, "saved %s\n", out)
			}

			if !c.Bool("lookup") {
				return nil
			}
			// The interrupt that ended the recording should not cancel the upload.
			outcome := svc.Lookup(c.Context, c.String("location"))
			return printOutcome(c.App.Writer, outcome, c.Bool("json"))
		},
	}
}

func lookupCmd() *cli.Command {
	return &cli.Command{
		Name:      "lookup",
		Usage:     "Replay an existing WAV file through the recorder and look it up",
		ArgsUsage: "[file]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "WAV file to send"},
			&cli.StringFlag{Name: "location", Usage: "Search location (defaults to lookup.default_location)"},
			&cli.StringFlag{Name: "api-url", Usage: "Override lookup.base_url"},
			&cli.BoolFlag{Name: "json", Usage: "Print the outcome as JSON"},
		},
		Action: func(c *cli.Context) error {
			path := c.String("file")
			if path == "" && c.NArg() > 0 {
				path = c.Args().First()
			}
			if path == "" {
				return errors.New("a WAV file is required (--file or positional argument)")
			}

			cfg, _, err := loadConfig(c)
			if err != nil {
				return err
			}
			if u := c.String("api-url"); u != "" {
				cfg.Lookup.BaseURL = u
			}
			logger := newLogger(os.Stderr, logLevel(c, cfg))

			device := capture.NewFileDevice(path, cfg.Capture.ChunkBytes)
			svc := newSession(c.Context, cfg, device, logger)
			defer svc.Close()

			if err := svc.StartRecording(c.Context); err != nil {
				return err
			}
			if ended := svc.Ended(); ended != nil {
				<-ended
			}
			if _, err := svc.StopRecording(); err != nil {
				return err
			}

			outcome := svc.Lookup(c.Context, c.String("location"))
			return printOutcome(c.App.Writer, outcome, c.Bool("json"))
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, runtime.Version)
			return nil
		},
	}
}

// cliSession adds Ended to the session for commands that wait on the device.
type cliSession struct {
	*session.Service
	ctrl *capture.Controller
}

func (s cliSession) Ended() <-chan struct{} { return s.ctrl.Ended() }

func newSession(ctx context.Context, cfg config.Config, device capture.Device, logger *slog.Logger) cliSession {
	ctrl := capture.NewController(device, nil, capture.Options{
		MIMEType:    cfg.Capture.MIMEType,
		MaxDuration: time.Duration(cfg.Capture.MaxDurationMS) * time.Millisecond,
		Logger:      logger,
	})
	requester := recommend.NewRequester(cfg.Lookup, nil, logger)
	return cliSession{Service: session.NewService(ctx, ctrl, requester, logger), ctrl: ctrl}
}

// connectBus returns a client only when the capture device needs one.
func connectBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (*bus.Client, func(), error) {
	if cfg.Capture.Device != "bus" {
		return nil, func() {}, nil
	}
	ns, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return nil, nil, err
	}
	busCfg := cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		ns.Shutdown()
		return nil, nil, err
	}
	return client, func() {
		client.Close()
		ns.Shutdown()
	}, nil
}

// loadConfig reads the --config file. The default path is optional; an
// explicitly named file must exist.
func loadConfig(c *cli.Context) (config.Config, string, error) {
	path := c.String("config")
	if !c.IsSet("config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, path, err
	}
	return cfg, path, nil
}

func logLevel(c *cli.Context, cfg config.Config) string {
	if lvl := c.String("log-level"); lvl != "" {
		return lvl
	}
	return cfg.Telemetry.LogLevel
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func printArtifact(w io.Writer, a *capture.Artifact) {
	fmt.Fprintf(w, "captured %s in %d fragments over %s\n",
		humanize.Bytes(uint64(a.Size())), a.Fragments(), a.Elapsed().Round(time.Millisecond))
	if info, err := a.Probe(); err == nil {
		fmt.Fprintf(w, "  %s Hz, %d ch, %d-bit, ~%s of audio\n",
			humanize.Comma(int64(info.SampleRate)), info.Channels, info.BitDepth, info.Duration.Round(100*time.Millisecond))
	}
}

// printOutcome renders the outcome and returns an error for failures so the
// process exits non-zero.
func printOutcome(w io.Writer, o recommend.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		view := struct {
			Outcome string            `json:"outcome"`
			Message string            `json:"message"`
			Result  *recommend.Result `json:"result,omitempty"`
		}{o.Kind.String(), o.Message(), o.Result}
		if err := enc.Encode(view); err != nil {
			return err
		}
		return o.Err()
	}

	if !o.OK() {
		if o.Kind == recommend.KindMessage {
			fmt.Fprintf(w, "Recommendation: %s\n", o.Reason)
		}
		return o.Err()
	}

	r := o.Result
	fmt.Fprintf(w, "Perfect matches for %q\n\n", r.Query)
	for i, rec := range r.Recommendations {
		fmt.Fprintf(w, "%d. %s", i+1, rec.Name)
		if rec.Cuisine != "" {
			fmt.Fprintf(w, " (%s)", rec.Cuisine)
		}
		fmt.Fprintln(w)
		if d := strings.TrimSpace(rec.Description); d != "" {
			fmt.Fprintf(w, "   %s\n", d)
		}
		if rec.MenuLink != "" {
			fmt.Fprintf(w, "   %s\n", rec.MenuLink)
		}
	}
	fmt.Fprintf(w, "\nFound %s in %s\n", pluralRecommendations(r.TotalFound), r.SearchLocation)
	return nil
}

func pluralRecommendations(n int) string {
	if n == 1 {
		return "1 recommendation"
	}
	return humanize.Comma(int64(n)) + " recommendations"
}
