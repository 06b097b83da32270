// Package main provides the entry point for EasyCLI, a terminal shell for
// driving a CLIProxyAPI backend: provider OAuth logins, callback redirection
// and backend keep-alive, against a local or remote management endpoint.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/easycli/internal/buildinfo"
	"github.com/router-for-me/easycli/internal/config"
	"github.com/router-for-me/easycli/internal/keepalive"
	"github.com/router-for-me/easycli/internal/logging"
	"github.com/router-for-me/easycli/internal/management"
	"github.com/router-for-me/easycli/internal/oauth"
	"github.com/router-for-me/easycli/internal/tui"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("EasyCLI Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	var remoteURL string
	var remoteKey string
	var debug bool

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.StringVar(&remoteURL, "remote-url", "", "Manage a remote backend at this base URL instead of the local one")
	flag.StringVar(&remoteKey, "remote-key", "", "Management key for the remote backend")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if debug {
		log.SetLevel(log.DebugLevel)
	}

	// Load environment variables from .env if present.
	if wd, errWd := os.Getwd(); errWd == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
			if !errors.Is(errLoad, os.ErrNotExist) {
				log.WithError(errLoad).Warn("failed to load .env file")
			}
		}
	}
	if remoteURL == "" {
		remoteURL = lookupEnv("EASYCLI_REMOTE_URL")
	}
	if remoteKey == "" {
		remoteKey = lookupEnv("EASYCLI_REMOTE_KEY")
	}

	if configPath == "" {
		var errPath error
		configPath, errPath = config.DefaultConfigPath()
		if errPath != nil {
			log.Errorf("failed to resolve config path: %v", errPath)
			return
		}
	}

	// The TUI owns the terminal, so logs always go to the rotating file.
	logDir := filepath.Join(filepath.Dir(configPath), "logs")
	if err := logging.ConfigureLogOutput(logDir, true); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}

	store := config.NewStore(configPath)
	defer store.Close()

	if remoteURL != "" {
		if remoteKey == "" {
			log.Error("remote mode requires a management key, pass -remote-key or set EASYCLI_REMOTE_KEY")
			return
		}
		store.UseRemote(remoteURL, remoteKey)
	} else {
		if _, err := config.EnsureSecretKey(configPath); err != nil {
			log.Errorf("failed to prepare management secret: %v", err)
			return
		}
		if err := store.Watch(func(cfg *config.Config) {
			log.WithField("port", cfg.Port).Debug("configuration reloaded")
		}); err != nil {
			log.WithError(err).Warn("config file watching unavailable")
		}
	}

	client := management.NewClient(store)
	redirector := oauth.NewRedirector(store)
	defer redirector.Close()

	orchestrator := oauth.NewOrchestrator(client, redirector)
	defer orchestrator.Close()

	pinger := keepalive.NewRunner(client, 0)
	pinger.Start()
	defer pinger.Stop()

	if err := tui.Run(orchestrator, store, nil); err != nil {
		log.Errorf("terminal UI failed: %v", err)
	}
}

func lookupEnv(key string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
