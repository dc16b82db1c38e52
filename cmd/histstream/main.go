package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/ghalamif/histstream"
	"github.com/ghalamif/histstream/internal/adapters/historian"
	"github.com/ghalamif/histstream/internal/adapters/observability"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "simulate":
		err = simulateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("histstream %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "./data/config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := histstream.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// An explicit stream name on the command line wins over config and env.
	var out []histstream.StreamOutOption
	if fs.NArg() > 0 {
		out = append(out, histstream.StreamOutName(fs.Arg(0)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx, out...)
}

func validateCommand(args []string) error {
	fs := pflag.NewFlagSet("validate", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := histstream.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	sc := cfg.StreamConfig("")
	fmt.Printf("config %s looks good: stream=%s max_bytes=%d policy=%s export=%s(%s)\n",
		*cfgPath, sc.Name, sc.MaxBytes, sc.FullPolicy, sc.ExportTarget.Kind, sc.ExportTarget.Identifier)
	return nil
}

func simulateCommand(args []string) error {
	fs := pflag.NewFlagSet("simulate", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "./data/config.yaml", "Path to configuration file")
	interval := fs.Duration("interval", 0, "Insert interval (overrides simulator.interval)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := histstream.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *interval > 0 {
		cfg.Simulator.Interval = *interval
	}

	logger, err := observability.NewLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	obs := observability.NewPromObs(prometheus.NewRegistry(), logger)

	db, err := historian.Open(cfg.Source)
	if err != nil {
		return err
	}
	defer db.Close()

	tr, err := historian.NewTracker(db, cfg.Source)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tr.Ping(ctx); err != nil {
		return err
	}

	err = historian.NewSimulator(tr, cfg.Simulator, obs).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func statsCommand(args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: *interval}

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(client, *url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var statsMetrics = []string{
	"histstream_messages_appended_total",
	"histstream_messages_exported_total",
	"histstream_stream_messages",
	"histstream_stream_size_bytes",
	"histstream_dlq_total",
}

func printMetricsSnapshot(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values := make(map[string]float64, len(statsMetrics))
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, key := range statsMetrics {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					values[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] appended=%.0f exported=%.0f buffered=%.0f bytes=%.0f dlq=%.0f\n",
		time.Now().Format(time.RFC3339),
		values["histstream_messages_appended_total"],
		values["histstream_messages_exported_total"],
		values["histstream_stream_messages"],
		values["histstream_stream_size_bytes"],
		values["histstream_dlq_total"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`histstream CLI

Usage:
  histstream <command> [flags] [args]

Commands:
  run        Start forwarding historian rows into a stream and export them
  validate   Load and validate a config file without starting the runtime
  simulate   Insert synthetic generator readings into the historian
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  histstream run --config ./data/config.yaml SomeStream
  histstream validate -c ./data/config.yaml
  histstream simulate -c ./data/config.yaml --interval 500ms
  histstream stats --url http://localhost:9100/metrics --interval 1s
`)
}
