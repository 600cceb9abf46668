// Grasplet SIM Usage Exporter
//
// This exporter polls the Grasplet cloud API for cellular SIM usage and
// exposes each SIM's attributes as sensor values, in Prometheus format and as
// a JSON sensor listing.
//
// Usage:
//
//	grasplet-exporter [flags]
//
// Flags:
//
//	-config string          Path to config file (default: no config file)
//	-port int               Port to serve on (default: 9110)
//	-url string             API base URL (default: https://data.grasplet.com)
//	-username string        Account to set up at startup
//	-password string        Password of the startup account
//	-interval-hours int     Poll interval in hours for the startup account (default: 24)
//	-log-level string       Log level (default: info)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grasplet-dashboard/exporter/config"
	"github.com/grasplet-dashboard/exporter/metrics"
	"github.com/grasplet-dashboard/exporter/poller"
	"github.com/grasplet-dashboard/exporter/setup"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var log = logging.MustGetLogger("exporter")

// initLogger configures go-logging with the given level and format.
func initLogger(level, format string) error {
	backend := logging.NewLogBackend(os.Stdout, "", 0)

	pattern := `%{time:2006-01-02 15:04:05} %{level:.5s} [%{module}] %{message}`
	switch format {
	case "", "text":
	case "color":
		pattern = `%{color}%{time:2006-01-02 15:04:05} %{level:.5s}%{color:reset} [%{module}] %{message}`
	default:
		return fmt.Errorf("unknown log format: %s", format)
	}

	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, logging.MustStringFormatter(pattern)))
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return err
	}
	leveled.SetLevel(lvl, "")

	logging.SetBackend(leveled)
	return nil
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	port := flag.Int("port", 0, "Port to serve on (default: 9110)")
	url := flag.String("url", "", "API base URL (default: https://data.grasplet.com)")
	username := flag.String("username", "", "Account to set up at startup")
	password := flag.String("password", "", "Password of the startup account")
	intervalHours := flag.Int("interval-hours", 0, "Poll interval in hours for the startup account (default: 24)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, notice, warning, error, critical")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("grasplet-exporter %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Load environment variables
	config.LoadConfigFromEnv(cfg)

	// Override with command line flags
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *url != "" {
		cfg.Grasplet.URL = *url
	}
	if *username != "" {
		cfg.Account.Username = *username
	}
	if *password != "" {
		cfg.Account.Password = *password
	}
	if *intervalHours != 0 {
		cfg.Account.PollIntervalHours = *intervalHours
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := initLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Invalid logging configuration: %v", err)
	}

	log.Infof("Starting Grasplet SIM Exporter %s", version)
	log.Infof("API URL: %s", cfg.Grasplet.URL)
	log.Infof("Entries file: %s", cfg.Grasplet.EntriesFile)
	log.Infof("Port: %d", cfg.Server.Port)

	store, err := config.OpenStore(cfg.Grasplet.EntriesFile)
	if err != nil {
		log.Fatalf("Failed to open entries: %v", err)
	}

	clientCfg := cfg.ToClientConfig(version)
	registry := poller.NewRegistry(poller.CoordinatorFactory(clientCfg))
	for _, entry := range store.List() {
		if err := registry.Setup(entry); err != nil {
			log.Fatalf("Failed to set up entry %s: %v", entry.ID, err)
		}
	}

	wizard := setup.NewWizard(store, registry, clientCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.HasAccount() {
		bootstrapAccount(ctx, wizard, store, cfg)
	}

	registry.Start(ctx)

	// Register collector with Prometheus
	collector := metrics.NewCollector(registry)
	prometheus.MustRegister(collector)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(cfg, store, registry, wizard),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("HTTP server shutdown error: %v", err)
		}
	}()

	// Start server
	log.Infof("Serving metrics at http://localhost:%d%s", cfg.Server.Port, cfg.Server.MetricsPath)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("HTTP server error: %v", err)
	}

	<-ctx.Done()
	registry.Wait()
	log.Info("Exporter stopped")
}

// bootstrapAccount sets up the account from the config file, environment or
// flags unless it is already stored.
func bootstrapAccount(ctx context.Context, wizard *setup.Wizard, store *config.Store, cfg *config.Config) {
	if entry, ok := store.FindByUsername(cfg.Account.Username); ok {
		log.Infof("Account %s already configured as entry %s", cfg.Account.Username, entry.ID)
		return
	}

	log.Infof("Setting up account %s (password %s)", cfg.Account.Username, config.MaskPassword(cfg.Account.Password))
	entry, formErrs, err := wizard.Create(ctx, cfg.Account)
	switch {
	case err != nil:
		log.Fatalf("Failed to set up account %s: %v", cfg.Account.Username, err)
	case formErrs != nil:
		log.Fatalf("Failed to set up account %s: %v", cfg.Account.Username, formErrs)
	default:
		log.Infof("Account %s set up as entry %s", cfg.Account.Username, entry.ID)
	}
}
