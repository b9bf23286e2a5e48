package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/wsbridge/internal/config"
	"github.com/vango-dev/wsbridge/internal/errors"
	"github.com/vango-dev/wsbridge/pkg/loop"
	"github.com/vango-dev/wsbridge/pkg/metrics"
	"github.com/vango-dev/wsbridge/pkg/server"
)

type serveOptions struct {
	configPath string
	host       string
	port       int
	static     string
	logLevel   string
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge with an echo owner",
		Long: `Serve starts the bridge and attaches a small owner that logs every
inbound message and echoes it back to the sender in a batch. It is meant
for exercising renderers against a real bridge.

The process exits with status 1 if the session fails, for example when
the controller disconnects abnormally and does not come back.

Examples:
  wsbridge serve
  wsbridge serve --port 8000 --static ./public
  wsbridge serve --config wsbridge.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: wsbridge.{json,toml,yaml} in the working directory)")
	cmd.Flags().StringVarP(&opts.host, "host", "H", "", "Host to bind to (default from config)")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "First port to try (default from config)")
	cmd.Flags().StringVarP(&opts.static, "static", "s", "", "Directory served for plain GET requests")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	return cmd
}

// loadConfig reads the config file named by opts, or the one in the working
// directory if there is one, and applies flag overrides.
func loadConfig(opts serveOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case config.Exists("."):
		cfg, err = config.Load(".")
	default:
		cfg = config.New()
	}
	if err != nil {
		return nil, err
	}

	if opts.host != "" {
		cfg.Host = opts.host
	}
	if opts.port > 0 {
		cfg.Port = opts.port
	}
	if opts.static != "" {
		cfg.Static = opts.static
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// staticFiles serves files below fsys. "/" maps to index.html.
func staticFiles(fsys fs.FS) func(string) ([]byte, bool) {
	return func(p string) ([]byte, bool) {
		name := path.Clean("/" + p)[1:]
		if name == "" {
			name = "index.html"
		}
		if !fs.ValidPath(name) {
			return nil, false
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, false
		}
		return data, true
	}
}

func runServe(ctx context.Context, opts serveOptions, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}

	sc, err := cfg.ServerConfig()
	if err != nil {
		return err
	}
	sc.Logger = logger
	sc.Metrics = metrics.New()
	if dir := cfg.StaticPath(); dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return errors.New("W041").WithDetail(dir)
		}
		sc.OnGet = staticFiles(os.DirFS(dir))
	}
	sc.OnListen = func(port int) bool {
		fmt.Fprintf(stdout, "listening on ws://%s:%d%s\n", sc.Host, port, sc.WebSocketPath)
		return true
	}

	srv := server.New(sc)
	if err := srv.Start(ctx); err != nil {
		if stderrors.Is(err, server.ErrPortsExhausted) {
			return errors.New("W020").Wrap(err)
		}
		return errors.FromError(err, "W021")
	}

	owner := newEchoOwner(srv, logger)
	l := loop.New(srv.Events(), owner.handle, loop.WithLogger(logger))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Run ends once Shutdown closes the mailbox.
	if err := l.Run(context.Background()); err != nil {
		return err
	}
	if owner.failed {
		return &exitError{code: 1}
	}
	return nil
}
