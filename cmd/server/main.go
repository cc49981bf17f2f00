package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/NicolasHaas/linechat/pkg/logging"
	"github.com/NicolasHaas/linechat/pkg/server"
	"github.com/NicolasHaas/linechat/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.ChatAddr, "chat", cfg.ChatAddr, "TCP bind address of the chat line protocol")
	flag.StringVar(&cfg.RelayAddr, "relay", cfg.RelayAddr, "TCP bind address of the file relay")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for /metrics, /sessions and /files (empty to disable)")
	flag.StringVar(&cfg.CredentialsFile, "users", cfg.CredentialsFile, "Credential file (name:secret per line)")
	flag.StringVar(&cfg.TranscriptDir, "transcripts", cfg.TranscriptDir, "Directory for public and private chat logs")
	flag.BoolVar(&cfg.TranscriptSync, "transcript-sync", cfg.TranscriptSync, "fsync every transcript append")
	flag.StringVar(&cfg.FilesDir, "files", cfg.FilesDir, "Directory for files received by the relay")
	flag.IntVar(&cfg.MaxLineBytes, "max-line", cfg.MaxLineBytes, "Longest accepted input line in bytes")
	flag.IntVar(&cfg.MaxInlineFileBytes, "max-inline-file", cfg.MaxInlineFileBytes, "Largest /file payload in decoded bytes")
	flag.Int64Var(&cfg.MaxFileBytes, "max-file", cfg.MaxFileBytes, "Largest file accepted by the relay in bytes")
	flag.IntVar(&cfg.SendQueueSize, "send-queue", cfg.SendQueueSize, "Outbound lines buffered per session")
	flag.DurationVar(&cfg.MetricsLogInterval, "metrics-log-interval", cfg.MetricsLogInterval, "Interval of the metrics log summary (0 to disable)")

	configFile := flag.String("config", "", "YAML config file; explicitly set flags take precedence")
	printConfig := flag.Bool("print-config", false, "Print the effective config as YAML and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println("linechat-server", version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *configFile != "" {
		if err := overlayConfigFile(*configFile, &cfg); err != nil {
			slog.Error("load config", "path", *configFile, "err", err)
			os.Exit(1)
		}
	} else if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	if *printConfig {
		data, err := cfg.YAML()
		if err != nil {
			slog.Error("marshal config", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	slog.Info("starting linechat server", "version", version.String())
	srv, err := server.NewFromConfig(cfg)
	if err != nil {
		slog.Error("open server state", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// overlayConfigFile loads path over cfg, then re-applies every flag set on the
// command line so flags win over the file.
func overlayConfigFile(path string, cfg *server.Config) error {
	explicit := map[string]string{}
	flag.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if err := server.LoadConfigFile(path, cfg); err != nil {
		return err
	}
	for name, value := range explicit {
		if err := flag.Set(name, value); err != nil {
			return fmt.Errorf("re-apply flag -%s: %w", name, err)
		}
	}
	return cfg.Validate()
}
