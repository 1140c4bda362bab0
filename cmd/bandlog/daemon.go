package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mil-ad/bandlog/internal/metrics"
	"github.com/mil-ad/bandlog/internal/pipeline"
	"github.com/mil-ad/bandlog/internal/readinglog"
)

const stopTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the band and log readings until interrupted",
	RunE:  runDaemon,
}

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "bandlog.sock")
}

type daemon struct {
	pipeline *pipeline.Pipeline
	shutdown context.CancelFunc
	logger   zerolog.Logger
}

func (d *daemon) handleRequest(req IPCRequest) IPCResponse {
	switch req.Command {
	case "status":
		st := d.pipeline.Status()
		return IPCResponse{Status: &st}

	case "stop":
		d.logger.Info().Msg("Stop requested over IPC")
		st := d.pipeline.Status()
		d.shutdown()
		return IPCResponse{Status: &st}

	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}
}

func (d *daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := IPCResponse{Error: "invalid request: " + err.Error()}
		_ = json.NewEncoder(conn).Encode(resp)
		return
	}

	resp := d.handleRequest(req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		d.logger.Debug().Err(err).Msg("Failed to write IPC response")
	}
}

func (d *daemon) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown.
			return
		}
		go d.handleConn(conn)
	}
}

func listen(sock string) (net.Listener, error) {
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", sock, err)
	}
	if err := os.Chmod(sock, 0o700); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", sock, err)
	}
	return ln, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logFile := setupLogger(cfg.Logging)
	defer logFile.Close()
	log.Logger = logger

	logger.Info().Str("version", version).Str("config", configPath).Msg("Starting bandlog")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ledger := newLedger(cfg)
	manager, closeBackend, err := openBackend(cfg, ledger, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	p := pipeline.New(pipeline.Config{
		Sensors: cfg.SensorKinds(),
		Policy:  pipeline.Policy(cfg.Startup.Policy),
		Connect: bandConnectOptions(cfg),
		Buffer:  cfg.Output.Buffer,
	}, manager, readinglog.New(cfg.Output.Dir, logger), logger)

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Listen, logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping metrics server")
			}
		}()
	}

	sock := socketPath()
	ln, err := listen(sock)
	if err != nil {
		return err
	}
	defer os.Remove(sock)
	defer ln.Close()

	d := &daemon{pipeline: p, shutdown: cancel, logger: logger.With().Str("component", "ipc").Logger()}
	go d.serve(ln)
	logger.Info().Str("socket", sock).Msg("Listening for status requests")

	if err := p.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("Startup interrupted")
			return nil
		}
		return fmt.Errorf("startup failed: %w", err)
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, stopping sensors")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := p.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info().Msg("bandlog stopped")
	return nil
}
