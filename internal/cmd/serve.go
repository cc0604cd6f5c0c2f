package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/webssh/internal/audit"
	"github.com/gluk-w/webssh/internal/bridge"
	"github.com/gluk-w/webssh/internal/config"
	"github.com/gluk-w/webssh/internal/database"
	"github.com/gluk-w/webssh/internal/handlers"
	"github.com/gluk-w/webssh/internal/logging"
	"github.com/gluk-w/webssh/internal/recording"
	"github.com/gluk-w/webssh/internal/sshtransport"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// StaticFS holds the assets built into the binary. It serves the page when
// the configured static directory does not exist.
var StaticFS fs.FS

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the terminal server",
	Long: `Start the HTTP server. GET /api/ssh upgrades to a WebSocket that carries
one SSH session; GET /health reports liveness; every other GET is served
from the static directory.`,
	RunE: runServe,
}

var (
	listenAddr string
	staticDir  string
	logLevel   string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides WEBSSH_LISTEN_ADDR)")
		c.Flags().StringVar(&staticDir, "static-dir", "", "Static files directory (overrides WEBSSH_STATIC_DIR)")
		c.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides WEBSSH_LOG_LEVEL)")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.Load(); err != nil {
		return err
	}
	applyFlags(cmd, &config.Cfg)
	cfg := config.Cfg

	logCloser, err := logging.Init(logging.Options{Level: cfg.LogLevel, Dev: cfg.LogDev, Path: cfg.LogPath})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	log := logging.For("server")

	transport, err := newTransport(cfg)
	if err != nil {
		return err
	}

	var (
		db        *gorm.DB
		auditor   *audit.Auditor
		retention *audit.Retention
		observer  bridge.Observer = bridge.NopObserver{}
	)
	if cfg.DatabasePath != "" {
		db, err = database.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer database.Close(db)

		auditor = audit.NewAuditor(db, cfg.AuditRetentionDays, logging.For("audit"))
		retention, err = audit.StartRetention(auditor, cfg.AuditPurgeSchedule)
		if err != nil {
			return err
		}
		observer = auditor
		log.Info().Str("path", cfg.DatabasePath).Msg("audit log enabled")
	}

	var recorders bridge.RecorderFactory
	if cfg.RecordingDir != "" {
		recorders = recording.Dir{Path: cfg.RecordingDir}.Open
		log.Info().Str("dir", cfg.RecordingDir).Msg("session recording enabled")
	}

	maxFrame, _ := cfg.MaxFrameBytes() // validated by config.Load
	router := newRouter(routes{
		Terminal: &handlers.Terminal{
			Transport:      transport,
			Observer:       observer,
			Recorders:      recorders,
			Logger:         logging.For("terminal"),
			OriginPatterns: cfg.AllowedOrigins,
			MaxFrameBytes:  maxFrame,
			InputRate:      rate.Limit(cfg.InputRate),
			InputBurst:     cfg.InputBurst,
			DefaultTerm:    cfg.DefaultTerm,
		},
		Static:  staticHandler(cfg.StaticDir),
		Auditor: auditor,
		DB:      db,
	})

	// Cancelling baseCtx ends every live session on shutdown; Shutdown alone
	// does not touch hijacked WebSocket connections.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("version", versionString()).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
	case <-sigCtx.Done():
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cancelBase()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if retention != nil {
		retention.Stop(shutdownCtx)
	}
	log.Info().Msg("server stopped")
	return nil
}

// applyFlags copies explicitly set flags over the environment values.
func applyFlags(cmd *cobra.Command, cfg *config.Settings) {
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if cmd.Flags().Changed("static-dir") {
		cfg.StaticDir = staticDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

func newTransport(cfg config.Settings) (*sshtransport.Client, error) {
	var resolver *sshtransport.HostResolver
	if cfg.SSHConfigPath != "" {
		r, err := sshtransport.LoadHostResolver(cfg.SSHConfigPath)
		if err != nil {
			return nil, err
		}
		resolver = r
	}

	hostKeys, err := sshtransport.HostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	if cfg.KnownHostsPath == "" {
		log := logging.For("server")
		log.Warn().Msg("WEBSSH_KNOWN_HOSTS not set, SSH host keys are not verified")
	}

	return sshtransport.NewClient(sshtransport.Options{
		ConnectTimeout:    cfg.ConnectTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		HostKeyCallback:   hostKeys,
		Resolver:          resolver,
		Logger:            logging.For("ssh"),
	}), nil
}

// staticHandler serves dir when it exists, otherwise the built-in assets.
func staticHandler(dir string) http.Handler {
	if dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return handlers.NewStatic(dir)
		}
	}
	if StaticFS != nil {
		return handlers.NewStaticFS(StaticFS)
	}
	return nil
}
