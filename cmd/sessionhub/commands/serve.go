package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sessionhub/sessionhub/internal/agent"
	"github.com/sessionhub/sessionhub/internal/arbiter"
	"github.com/sessionhub/sessionhub/internal/archive"
	"github.com/sessionhub/sessionhub/internal/config"
	"github.com/sessionhub/sessionhub/internal/event"
	"github.com/sessionhub/sessionhub/internal/hub"
	"github.com/sessionhub/sessionhub/internal/logging"
	"github.com/sessionhub/sessionhub/internal/server"
	"github.com/sessionhub/sessionhub/pkg/types"
)

var (
	serveListen  string
	serveSession string
	serveDir     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session supervisor",
	Long: `Start the supervisor: spawn the agent subprocess, expose the
WebSocket/REST surface, and run the ownership and archival loops.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Address to listen on")
	serveCmd.Flags().StringVarP(&serveSession, "session", "s", "", "Session file to supervise")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	if err := config.LoadDotenv(workDir); err != nil {
		logging.Warn().Err(err).Msg("dotenv load failed")
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if serveSession != "" {
		cfg.SessionPath = serveSession
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: prettyLogs,
	})

	logging.Info().
		Str("version", Version).
		Str("session", cfg.SessionPath).
		Str("listen", cfg.Listen).
		Msg("sessionhub starting")

	bus := event.NewBus()
	defer bus.Close()

	client := agent.New(agent.Config{
		Command:      cfg.AgentCommand,
		SessionPath:  cfg.SessionPath,
		WorkDir:      cfg.WorkDir,
		RestartDelay: cfg.RestartDelay(),
	}, bus)

	arb := arbiter.New(cfg.LockPath, cfg.SessionPath, cfg.PollInterval(), client, bus)
	archivist := archive.New(afero.NewOsFs(), cfg.SessionPath, cfg.ArchiveDir, client, bus)
	defer archivist.Close()

	h := hub.New(client, bus, hub.Options{
		Ownership: func() string { return string(arb.Status()) },
		SessionInfo: func() *types.SessionInfo {
			info := archivist.Info()
			return &info
		},
	})
	defer h.Close()

	// The first ownership check decides who starts the subprocess: with
	// an external session already attached the agent stays down until
	// the arbiter observes the release.
	if arb.CheckStatus() == arbiter.StatusNone {
		if err := client.Start(); err != nil {
			return err
		}
	}
	defer client.Stop()

	if err := arb.Start(); err != nil {
		return err
	}
	defer arb.Stop()

	serverConfig := server.DefaultConfig()
	serverConfig.Listen = cfg.Listen
	srv := server.New(serverConfig, h, client, archivist, arb)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("listen", cfg.Listen).Msg("server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
