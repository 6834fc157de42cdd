// Package main implements the cqstream binary. It reads newline-delimited JSON
// rows into a stream, lets the continuous views consume them and prints the
// view contents and delivery statistics.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cqstream/cqstream/internal/app"
	"github.com/cqstream/cqstream/internal/config"
	"github.com/cqstream/cqstream/internal/jsoncodec"
	"github.com/cqstream/cqstream/internal/query/aggregator"
	"github.com/cqstream/cqstream/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configFile  string
		dataDir     string
		streamName  string
		inputFile   string
		metricsAddr string
		serve       bool
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for data files")
	flag.StringVar(&streamName, "stream", "", "Stream to insert the input rows into")
	flag.StringVar(&inputFile, "input", "-", "Newline-delimited JSON input, - for stdin")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "HTTP address serving /metrics and /health")
	flag.BoolVar(&serve, "serve", false, "Keep running after the input until a signal arrives")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "cqstream - continuous queries over streams\n\n")
		fmt.Fprintf(os.Stderr, "Usage: cqstream [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  cqstream --config views.yaml --stream events < events.ndjson\n")
		fmt.Fprintf(os.Stderr, "  cqstream --config views.yaml --stream events --input events.ndjson --serve\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  CQSTREAM_DATA_DIR            Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  CQSTREAM_BATCH_SIZE          Rotation threshold and worker batch size\n")
		fmt.Fprintf(os.Stderr, "  CQSTREAM_SYNCHRONOUS_INSERT  Wait until workers consumed inserted rows\n")
		fmt.Fprintf(os.Stderr, "  CQSTREAM_NUM_WORKERS         Number of worker queues\n")
		fmt.Fprintf(os.Stderr, "  CQSTREAM_METRICS_ADDR        HTTP address for metrics\n")
		fmt.Fprintf(os.Stderr, "  CQSTREAM_LOG_LEVEL           debug, info, warn or error\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("cqstream version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := loadConfig(configFile, dataDir, metricsAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg, app.NewLogger(cfg.Log, os.Stderr))
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if streamName != "" {
		if err := ingest(ctx, application, streamName, inputFile); err != nil {
			log.Printf("Insert failed: %v", err)
			application.Stop(context.Background())
			os.Exit(1)
		}
	}

	if serve {
		// Wait for shutdown signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
	}

	// Stop first so every queued row reaches the views
	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}

	if err := printResults(os.Stdout, cfg, application); err != nil {
		log.Printf("Failed to print results: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, metricsAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}

	return cfg, nil
}

// ingest decodes the input and inserts it as one insert operation.
func ingest(ctx context.Context, a *app.App, streamName, inputFile string) error {
	var r io.Reader = os.Stdin
	if inputFile != "-" {
		f, err := os.Open(inputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	desc, rows, err := app.DecodeRows(bufio.NewReader(r), a.StreamDescriptor(streamName))
	if err != nil {
		return err
	}
	if desc == nil {
		log.Printf("No rows read for stream %s", streamName)
		return nil
	}
	log.Printf("Inserting %d rows into %s", len(rows), streamName)
	return a.Insert(ctx, streamName, desc.Fields, rows)
}

type viewOutput struct {
	Name    string        `json:"name"`
	Columns []string      `json:"columns"`
	Rows    []types.Tuple `json:"rows"`
}

type output struct {
	Views []viewOutput `json:"views"`
	Stats interface{}  `json:"stats"`
}

// printResults writes every view ordered by its group columns, followed by
// the statistics snapshot.
func printResults(w io.Writer, cfg *config.Config, a *app.App) error {
	out := output{Stats: a.Stats().Snapshot()}
	for _, vc := range cfg.Views {
		v, ok := a.View(vc.Name)
		if !ok {
			continue
		}
		order := make([]aggregator.OrderBy, len(vc.GroupBy))
		for i, g := range vc.GroupBy {
			order[i] = aggregator.OrderBy{Column: g}
		}
		rows, err := v.SortedRows(order...)
		if err != nil {
			return err
		}
		out.Views = append(out.Views, viewOutput{Name: v.Name(), Columns: v.Columns(), Rows: rows})
	}

	b, err := jsoncodec.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("cqstream %s", version)
	log.Printf("Configuration:")
	log.Printf("  Data Dir:    %s", cfg.DataDir)
	log.Printf("  Workers:     %d", cfg.Stream.NumWorkers)
	log.Printf("  Batch Size:  %d", cfg.Stream.BatchSize)
	log.Printf("  Synchronous: %v", cfg.Stream.SynchronousInsert)
	log.Printf("  Streams:     %d declared", len(cfg.Streams))
	log.Printf("  Views:       %d", len(cfg.Views))
	if cfg.Stats.Path != "" {
		log.Printf("  Stats:       %s", cfg.Stats.Path)
	}
	if cfg.Metrics.Addr != "" {
		log.Printf("  Metrics:     %s", cfg.Metrics.Addr)
	}
	log.Printf("")
}
