// Command obdpipeline runs the OBD-II diagnostic summarisation pipeline
// against a log file, optionally watching it for updates, and can serve
// Prometheus metrics. Flags follow a plain stdlib flag.FlagSet style with
// an env-var fallback for -config and plain fmt.Printf status lines,
// dispatched across three subcommands.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"obdpipeline/internal/app"
	"obdpipeline/internal/watch"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "watch":
		watchCmd(os.Args[2:])
	case "serve-metrics":
		serveMetricsCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: obdpipeline <run|watch|serve-metrics> [flags]")
}

func configFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("OBD_CONFIG_FILE")
	return fs.String("config", def, "path to pipeline config YAML (optional)")
}

var archiveExtensions = map[string]string{
	"gzip":   ".gz",
	"zstd":   ".zst",
	"snappy": ".sz",
	"lz4":    ".lz4",
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFile := configFlag(fs)
	outputFile := fs.String("output", "", "write the diagnostic clue report here instead of stdout, compressed with the configured archive algorithm")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: obdpipeline run [-config path] [-output path] <logfile>")
		os.Exit(1)
	}

	application, err := app.New(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	if err := application.StartMetrics(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start metrics server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := application.RunFile(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipeline run failed: %v\n", err)
		os.Exit(1)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal report: %v\n", err)
		os.Exit(1)
	}

	if *outputFile == "" {
		fmt.Println(string(data))
		shutdownTracing(application)
		return
	}

	alg, compressed, err := application.CompressReport(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to compress report: %v\n", err)
		os.Exit(1)
	}
	outPath := *outputFile + archiveExtensions[alg]
	if err := os.WriteFile(outPath, compressed, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s-compressed diagnostic clue report to %s\n", alg, outPath)
	shutdownTracing(application)
}

func shutdownTracing(application *app.App) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.StopTracing(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error during tracing shutdown: %v\n", err)
	}
}

func watchCmd(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := configFlag(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: obdpipeline watch [-config path] <logfile>")
		os.Exit(1)
	}

	application, err := app.New(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	if err := application.StartMetrics(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start metrics server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	watcher, err := watch.New(fs.Arg(0), application)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start watcher: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Stop()

	fmt.Printf("watching %s for changes (ctrl-c to stop)\n", fs.Arg(0))
	watcher.Run(ctx)
	shutdownTracing(application)
}

func serveMetricsCmd(args []string) {
	fs := flag.NewFlagSet("serve-metrics", flag.ExitOnError)
	configFile := configFlag(fs)
	fs.Parse(args)

	application, err := app.New(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	if err := application.StartMetrics(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start metrics server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	fmt.Println("shutting down metrics server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.StopMetrics(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error during metrics server shutdown: %v\n", err)
	}
	shutdownTracing(application)
}
