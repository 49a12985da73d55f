package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vvivloy/mememaster/ai/keyword"
	"github.com/vvivloy/mememaster/ai/llm"
	"github.com/vvivloy/mememaster/ai/summary"
	"github.com/vvivloy/mememaster/chat"
	"github.com/vvivloy/mememaster/internal/config"
	"github.com/vvivloy/mememaster/internal/debounce"
	"github.com/vvivloy/mememaster/internal/imagehash"
	"github.com/vvivloy/mememaster/internal/metrics"
	"github.com/vvivloy/mememaster/internal/profile"
	"github.com/vvivloy/mememaster/internal/version"
	"github.com/vvivloy/mememaster/meme"
	"github.com/vvivloy/mememaster/plugin/channels/telegram"
	"github.com/vvivloy/mememaster/store"
)

var rootCmd = &cobra.Command{
	Use:   "mememaster",
	Short: `An AI chat companion with tiered long-term memory and a self-growing meme library.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only load .env for direct binary execution (not when running as systemd service)
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:        viper.GetString("mode"),
			Data:        viper.GetString("data"),
			DSN:         viper.GetString("dsn"),
			MetricsAddr: viper.GetString("metrics-addr"),
			Version:     version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			panic(err)
		}

		if err := run(instanceProfile); err != nil {
			slog.Error("mememaster exited with error", "error", err)
			os.Exit(1)
		}
	},
}

func run(p *profile.Profile) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kw, err := keyword.Default()
	if err != nil {
		return fmt.Errorf("failed to load segmenter dictionaries: %w", err)
	}

	dbPath := filepath.Join(p.Data, "meme_core.db")
	st, err := store.New(p.DSN, dbPath, kw)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	var provider llm.Service
	if p.IsAIEnabled() {
		provider, err = llm.NewService(&llm.Config{
			Provider: p.LLMProvider,
			Model:    p.LLMModel,
			APIKey:   p.LLMAPIKey,
			BaseURL:  p.LLMBaseURL,
			Timeout:  p.LLMTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create llm service: %w", err)
		}
		go provider.Warmup(ctx)
	} else {
		slog.Warn("no LLM API key configured; replies and learning are disabled")
	}

	cfgManager := config.NewManager(p.ConfigFile())
	pool := imagehash.NewPool(4)
	matcher := meme.NewMatcher(st, kw, p.ImageDir())
	library := meme.NewLibrary(st, pool, p.ImageDir())
	summarizer := summary.New(st, provider, p.BufferFile())
	ingestor := meme.NewIngestor(st, provider, pool, p.ImageDir())

	if p.TelegramToken == "" {
		return fmt.Errorf("MEMEMASTER_TELEGRAM_TOKEN is required")
	}
	channel, err := telegram.NewChannel(&telegram.Config{
		BotToken: p.TelegramToken,
		DataDir:  p.Data,
		Backup: store.BackupPaths{
			ImageDir:   p.ImageDir(),
			ConfigFile: p.ConfigFile(),
			BufferFile: p.BufferFile(),
		},
	}, st, library)
	if err != nil {
		return err
	}

	companion := chat.NewCompanion(
		cfgManager, st, provider,
		debounce.NewManager(), matcher, ingestor, summarizer, channel,
	)
	channel.Bind(companion)

	// Fingerprints for images saved before perceptual hashing shipped.
	go func() {
		bctx, bcancel := context.WithTimeout(ctx, 10*time.Minute)
		defer bcancel()
		if _, err := library.BackfillHashes(bctx); err != nil {
			slog.Warn("fingerprint backfill incomplete", "error", err)
		}
	}()

	if p.MetricsAddr != "" {
		go serveMetrics(p.MetricsAddr)
	}

	go companion.RunWatcher(ctx)
	go channel.Run(ctx)

	printGreetings(p)

	c := make(chan os.Signal, 1)
	// The default signal sent by the `kill` command is SIGTERM, which is
	// taken as the graceful shutdown signal for many systems, eg., Kubernetes.
	signal.Notify(c, terminationSignals...)
	<-c
	slog.Info("shutting down")
	cancel()
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	slog.Info("metrics listener started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics listener failed", "error", err)
	}
}

func init() {
	viper.SetDefault("mode", "dev")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of process, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")
	rootCmd.PersistentFlags().String("metrics-addr", "", `prometheus listen address, e.g. ":9090" (empty disables)`)

	for _, flag := range []string{"mode", "data", "dsn", "metrics-addr"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("mememaster")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("MemeMaster %s started successfully!\n", p.Version)
	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		fmt.Fprintf(os.Stderr, "Database: %s\n", p.DSN)
	}
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Mode: %s\n", p.Mode)
	if !p.IsAIEnabled() {
		fmt.Println("AI features disabled (no API key)")
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
