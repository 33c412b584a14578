// Package main provides the entry point for the relay tunnel client. It
// connects to a relay server, exposes a local origin at the assigned public
// subdomain and keeps the tunnel alive with jittered exponential backoff.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/RelayTunnel/internal/buildinfo"
	"github.com/router-for-me/RelayTunnel/internal/logging"
	"github.com/router-for-me/RelayTunnel/sdk/relay"
)

// Exit codes.
const (
	exitOK            = 0
	exitConfigInvalid = 1
	exitConnLost      = 2
)

// Environment variable fallbacks for the CLI flags.
const (
	envServerURL = "RELAY_SERVER_URL"
	envSecretKey = "RELAY_SECRET_KEY"
	envLocalURL  = "RELAY_LOCAL_URL"
	envSubdomain = "RELAY_SUBDOMAIN"
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
	os.Exit(run())
}

func run() int {
	wd, err := os.Getwd()
	if err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
			if !errors.Is(errLoad, os.ErrNotExist) {
				log.WithError(errLoad).Warn("failed to load .env file")
			}
		}
	}

	var serverURL, secretKey, localURL, subdomain string
	var noReconnect, debug bool

	flags := flag.NewFlagSet("relay-client", flag.ContinueOnError)
	flags.StringVar(&serverURL, "server-url", envOr(envServerURL, ""), "Relay server URL")
	flags.StringVar(&serverURL, "s", envOr(envServerURL, ""), "Relay server URL (shorthand)")
	flags.StringVar(&secretKey, "secret-key", envOr(envSecretKey, ""), "Shared secret presented on handshake")
	flags.StringVar(&secretKey, "k", envOr(envSecretKey, ""), "Shared secret (shorthand)")
	flags.StringVar(&localURL, "local-url", envOr(envLocalURL, ""), "Local origin URL to expose")
	flags.StringVar(&localURL, "l", envOr(envLocalURL, ""), "Local origin URL (shorthand)")
	flags.StringVar(&subdomain, "subdomain", envOr(envSubdomain, ""), "Requested subdomain (best effort)")
	flags.StringVar(&subdomain, "d", envOr(envSubdomain, ""), "Requested subdomain (shorthand)")
	flags.BoolVar(&noReconnect, "no-reconnect", false, "Exit instead of reconnecting when the tunnel drops")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.Usage = func() {
		out := flags.Output()
		_, _ = fmt.Fprintf(out, "Usage of relay-client (version %s):\n", buildinfo.Version)
		flags.PrintDefaults()
		_, _ = fmt.Fprintf(out, "\nEnvironment: %s, %s, %s, %s\n", envServerURL, envSecretKey, envLocalURL, envSubdomain)
	}
	if err = flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfigInvalid
	}
	logging.SetDebug(debug)

	reconnect := relay.NewReconnectOptions()
	reconnect.Enabled = !noReconnect

	client, err := relay.New(relay.Options{
		ServerURL: serverURL,
		SecretKey: secretKey,
		LocalURL:  localURL,
		Subdomain: subdomain,
		Reconnect: reconnect,
	})
	if err != nil {
		log.Errorf("invalid configuration: %v", err)
		flags.Usage()
		return exitConfigInvalid
	}
	client.OnRegistered = func(subdomain, publicURL string) {
		fmt.Printf("tunnel ready: %s -> %s\n", publicURL, strings.TrimRight(localURL, "/"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		client.Stop()
	}()

	err = client.Run(ctx)
	switch {
	case err == nil:
		fmt.Println("tunnel closed")
		return exitOK
	case errors.Is(err, relay.ErrAuthRejected):
		log.Error("server rejected the secret key")
		return exitConfigInvalid
	case errors.Is(err, relay.ErrConnectionLost):
		return exitConnLost
	default:
		log.Errorf("tunnel failed: %v", err)
		return exitConnLost
	}
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
