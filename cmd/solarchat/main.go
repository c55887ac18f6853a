package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"solarchat/internal/config"
	"solarchat/internal/constants"
	"solarchat/internal/eventbus"
	"solarchat/internal/models"
	"solarchat/internal/service"
	"solarchat/internal/session"
	"solarchat/internal/tracing"
	"solarchat/pkg/chat"
	"solarchat/pkg/chat/stream"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes message text and identifiers)")
	configPath = flag.String("config", "solarchat.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
	viewerID   = flag.String("viewer", "", "Viewer identity (defaults to the stored session)")
	viewerName = flag.String("name", "", "Viewer display name")
	peerList   = flag.String("peer", "", "Comma separated peer ids to open")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("SolarChat %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	// .env is optional
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting SolarChat")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel, *verbose)

	watcher := config.NewConfigWatcher(*configPath, 0, logger)
	watcher.OnConfigChange(func(updated *models.Config) {
		applyLogLevel(logger, updated.LogLevel, *verbose)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	sessions, err := session.Open(cfg.Session.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessions.Close()

	state, err := sessions.LoadState(ctx)
	if err != nil {
		logger.WithError(err).Warn("Ignoring unreadable session state")
		state = session.State{}
	}
	state = mergeFlags(state, *viewerID, *viewerName, *peerList)
	if state.ViewerID == "" {
		return fmt.Errorf("no viewer identity: pass -viewer or run once with it to store it")
	}
	if err := sessions.SaveState(ctx, state); err != nil {
		logger.WithError(err).Warn("Failed to persist session state")
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.API.TimeoutSec) * time.Second}
	client := chat.NewClientWithLogger(cfg.API.BaseURL, cfg.API.AuthToken, httpClient, logger)

	dialer, err := stream.NewDialer(cfg.Live.StreamURL, stream.Options{
		AuthToken:     cfg.API.AuthToken,
		MaxFrameBytes: constants.DefaultMaxFrameBytes,
	})
	if err != nil {
		return fmt.Errorf("invalid live stream URL: %w", err)
	}

	bus := eventbus.New(logger)
	conv := service.NewConversation(cfg, client, dialer, bus, logger, *verbose)

	out := newRenderer(os.Stdout, state.ViewerID)
	out.attach(bus)

	identity := service.Identity{ID: state.ViewerID, Name: state.ViewerName}
	if err := conv.OnMount(ctx, identity, state.Peers); err != nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}
	defer conv.OnUnmount()

	if _, peers := conv.Selection(); !slices.Equal(peers, state.Peers) {
		state.Peers = peers
		if err := sessions.SaveState(ctx, state); err != nil {
			logger.WithError(err).Warn("Failed to persist peer selection")
		}
	}

	var server *Server
	serverErrCh := make(chan error, 1)
	if cfg.Server.Addr != "" {
		server = NewServer(cfg.Server.Addr, conv, logger)
		go func() {
			if err := server.Start(); err != nil && err != http.ErrServerClosed {
				serverErrCh <- fmt.Errorf("server error: %w", err)
			}
		}()
	}

	con := newConsole(conv, os.Stdin, os.Stdout, logger)
	con.onPeers = func(peers []string) {
		state.Peers = peers
		if err := sessions.SaveState(context.WithoutCancel(ctx), state); err != nil {
			logger.WithError(err).Warn("Failed to persist peer selection")
		}
	}

	consoleDone := make(chan error, 1)
	go func() { consoleDone <- con.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-consoleDone:
		if err != nil {
			logger.WithError(err).Error("Console stopped")
		}
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdown)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
	}

	logger.Info("SolarChat stopped")
	return nil
}

// applyLogLevel keeps the level at info or quieter unless verbose is set
func applyLogLevel(logger *logrus.Logger, configured string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	if configured == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if level > logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// mergeFlags lets command line values override the stored session
func mergeFlags(state session.State, viewer, name, peers string) session.State {
	if viewer != "" {
		if viewer != state.ViewerID {
			state.ViewerName = ""
		}
		state.ViewerID = viewer
	}
	if name != "" {
		state.ViewerName = name
	}
	if peers != "" {
		state.Peers = splitPeers(peers)
	}
	return state
}

func splitPeers(list string) []string {
	var peers []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
