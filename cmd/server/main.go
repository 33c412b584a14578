// Package main provides the entry point for the relay server. The server
// terminates public HTTP on a wildcard host, multiplexes each request over
// the owning tunnel's websocket channel and streams the correlated response
// back to the public client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/RelayTunnel/internal/api"
	"github.com/router-for-me/RelayTunnel/internal/buildinfo"
	"github.com/router-for-me/RelayTunnel/internal/config"
	"github.com/router-for-me/RelayTunnel/internal/logging"
	"github.com/router-for-me/RelayTunnel/internal/relay"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("RelayTunnel Server Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Configure File Path")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		os.Exit(1)
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		os.Exit(1)
	}
	logging.SetDebug(cfg.Debug)
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := relay.NewRegistry()
	forwarder := relay.NewForwarder(registry)
	allocator, err := relay.NewAllocator(cfg.Relay.SubdomainLength, registry)
	if err != nil {
		log.Errorf("invalid subdomain configuration: %v", err)
		os.Exit(1)
	}
	server := api.New(cfg.Relay, registry, forwarder, allocator)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
		server.UpdateSecretKeys(updated.Relay.SecretKeys)
		logging.SetDebug(updated.Debug)
	})
	if err != nil {
		log.Warnf("config watcher unavailable: %v", err)
	} else if err = watcher.Start(watchCtx); err != nil {
		log.Warnf("config watcher failed to start: %v", err)
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-serveErr:
		if err != nil {
			log.Errorf("server failed: %v", err)
			registry.Shutdown()
			os.Exit(1)
		}
		return
	case sig := <-sigCh:
		log.Infof("received %s, shutting down (%s mode)", sig, cfg.Relay.ShutdownMode)
	}

	shutdownTimeout := cfg.Relay.GracefulShutdownTimeout.Std()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Immediate mode fails every pending right away, so the public handlers
	// waiting on them return instead of holding the listener shutdown open.
	if cfg.Relay.ShutdownMode == config.ShutdownModeImmediate {
		go registry.Shutdown()
	}

	// Stop accepting new public requests.
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("public listener shutdown: %v", err)
	}

	// In graceful mode let in-flight forwarded requests finish before the
	// channels close; immediate mode fails them all at once.
	if cfg.Relay.ShutdownMode == config.ShutdownModeGraceful {
		if err = forwarder.WaitIdle(shutdownCtx); err != nil {
			log.Warnf("pending requests did not drain within %s", shutdownTimeout)
		}
	}
	registry.Shutdown()
	log.Info("relay server stopped")
}
