package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/archive"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/config"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/epics"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/flow"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/nn"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/server"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/variables"
)

var version = "dev"

func main() {
	// Parse command-line flags
	port := flag.Int("port", 8080, "HTTP server port")
	gateway := flag.String("gateway", "http://localhost:8090", "PV gateway base URL")
	modelPath := flag.String("model", "", "Path to the model artifact JSON")
	mappingPath := flag.String("mapping", "", "Path to the PV mapping JSON")
	dbPath := flag.String("db", "./data/runs.db", "Path to the run archive database ('' disables archiving)")
	reportsDir := flag.String("reports-dir", "./data/reports", "Directory for per-run report files")
	getTimeout := flag.Duration("get-timeout", 5*time.Second, "Timeout per PV read")
	putTimeout := flag.Duration("put-timeout", 5*time.Second, "Timeout per PV write")
	once := flag.Bool("once", false, "Run the flow once and exit")
	watch := flag.Bool("watch", false, "Re-run the flow when monitored input PVs change")
	interval := flag.Duration("interval", 10*time.Second, "Minimum interval between watch-mode runs")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lcls-cu-inj-nn v%s\n", version)
		os.Exit(0)
	}

	// Resolve model and mapping paths:
	// 1. Explicit flags take priority
	// 2. Otherwise, load from saved settings (installed model bundle)
	// 3. Fall back to ./data defaults
	resolvedModel := *modelPath
	resolvedMapping := *mappingPath

	if resolvedModel == "" || resolvedMapping == "" {
		settings, err := config.LoadSettings()
		if err != nil {
			log.Printf("Warning: could not load settings: %v", err)
		} else if settings.BundlePath != "" {
			if _, err := os.Stat(settings.BundlePath); err == nil {
				if resolvedModel == "" {
					resolvedModel = filepath.Join(settings.BundlePath, server.ModelFileName)
				}
				if resolvedMapping == "" {
					resolvedMapping = filepath.Join(settings.BundlePath, server.MappingFileName)
				}
				log.Printf("Using model bundle: %s", settings.BundlePath)
			} else {
				log.Printf("Warning: saved bundle path no longer exists: %s", settings.BundlePath)
			}
		}
	}

	if resolvedModel == "" {
		resolvedModel = "./data/model.json"
	}
	if resolvedMapping == "" {
		resolvedMapping = "./data/pv_mapping.json"
	}

	cfg := config.Config{
		Port:        *port,
		GatewayURL:  *gateway,
		ModelPath:   resolvedModel,
		MappingPath: resolvedMapping,
		DBPath:      *dbPath,
		ReportsDir:  *reportsDir,
		GetTimeout:  *getTimeout,
		PutTimeout:  *putTimeout,
		Version:     version,
	}

	switch {
	case *once:
		if err := runOnce(cfg); err != nil {
			log.Fatalf("Flow failed: %v", err)
		}
	case *watch:
		if err := runWatch(cfg, *interval); err != nil {
			log.Fatalf("Watch failed: %v", err)
		}
	default:
		serve(cfg)
	}
}

// buildFlow loads model, mapping, archive and control-system client for the
// standalone (non-server) modes.
func buildFlow(cfg config.Config) (*flow.Flow, *epics.Gateway, func(), error) {
	model, err := nn.Load(cfg.ModelPath)
	if err != nil {
		return nil, nil, nil, err
	}

	mapping, err := variables.LoadMapping(cfg.MappingPath)
	if err != nil {
		return nil, nil, nil, err
	}

	gw := epics.NewGateway(cfg.GatewayURL, nil)

	f := flow.New(gw, model, mapping)
	f.GetTimeout = cfg.GetTimeout
	f.PutTimeout = cfg.PutTimeout

	cleanup := func() {}
	if cfg.DBPath != "" {
		store, err := archive.Open(cfg.DBPath, cfg.ReportsDir)
		if err != nil {
			log.Printf("Warning: run archive not available: %v", err)
		} else {
			f.Recorder = store
			cleanup = func() { store.Close() }
		}
	}

	return f, gw, cleanup, nil
}

// runOnce executes a single flow run and prints the result.
func runOnce(cfg config.Config) error {
	f, _, cleanup, err := buildFlow(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := f.Run(context.Background())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runWatch subscribes to the mapped input PVs and re-runs the flow on
// changes, rate-limited to one run per interval.
func runWatch(cfg config.Config, interval time.Duration) error {
	f, gw, cleanup, err := buildFlow(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	pvs := f.Mapping.SourcePVs()
	updates, err := gw.Monitor(ctx, pvs)
	if err != nil {
		return err
	}
	log.Printf("Watching %d input PVs, min interval %s", len(pvs), interval)

	var lastRun time.Time
	for {
		select {
		case sig := <-stop:
			log.Printf("Received %v signal, shutting down...", sig)
			return nil

		case _, ok := <-updates:
			if !ok {
				return fmt.Errorf("monitor connection closed")
			}
			if time.Since(lastRun) < interval {
				continue
			}
			lastRun = time.Now()

			if _, err := f.Run(ctx); err != nil {
				log.Printf("Warning: flow run failed: %v", err)
			}
		}
	}
}

// serve runs the HTTP flow service until interrupted.
func serve(cfg config.Config) {
	// Find an available port (try up to 10 ports starting from the requested one)
	availablePort, err := findAvailablePort(cfg.Port, 10)
	if err != nil {
		log.Fatalf("Failed to find available port: %v", err)
	}
	if availablePort != cfg.Port {
		log.Printf("Port %d in use, using port %d instead", cfg.Port, availablePort)
		cfg.Port = availablePort
	}

	log.Printf("lcls-cu-inj-nn v%s starting on port %d", version, cfg.Port)
	log.Printf("PV gateway: %s", cfg.GatewayURL)
	log.Printf("Model artifact: %s", cfg.ModelPath)

	srv := server.New(cfg)

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for server to be ready
	serverURL := fmt.Sprintf("http://localhost:%d", cfg.Port)
	waitForServer(serverURL, 10*time.Second)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-stop:
		log.Printf("Received %v signal, shutting down...", sig)
		if err := srv.Stop(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}
}

// waitForServer polls until the server is accepting connections
func waitForServer(url string, timeout time.Duration) {
	addr := url[len("http://"):]
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Printf("Warning: server may not be ready at %s", url)
}

// findAvailablePort finds an available port, starting from the given port.
// If the port is in use, it tries subsequent ports up to maxAttempts times.
func findAvailablePort(startPort int, maxAttempts int) (int, error) {
	for i := 0; i < maxAttempts; i++ {
		port := startPort + i
		addr := fmt.Sprintf(":%d", port)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			listener.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port found after %d attempts starting from %d", maxAttempts, startPort)
}
