package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"readloong/internal/assemble"
	"readloong/internal/buffer"
	"readloong/internal/bus"
	"readloong/internal/channel"
	"readloong/internal/classify"
	"readloong/internal/config"
	"readloong/internal/domain"
	"readloong/internal/extract"
	"readloong/internal/history"
	"readloong/internal/metrics"
	"readloong/internal/pipeline"
	"readloong/internal/synthesis"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// .env is optional; real env always wins over the file.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "readloong",
		Short: "ReadLoong: turn anything long into audio",
		Long:  "ReadLoong reads text, images, links, videos, and ebooks aloud over Telegram or the terminal.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.readloong/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(readCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot (Telegram + pipeline)",
		Long:  "Starts all enabled channels and the reading pipeline. Press Ctrl+C to stop.",
		RunE:  runBot,
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive terminal session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWith(func(cfg *config.Config) *config.Config {
				cfg.Channels.Telegram.Enabled = false
				cfg.Channels.CLI.Enabled = true
				return cfg
			})
		},
	}
}

func readCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "read <text | url | file>",
		Short: "Convert one input to audio and exit",
		Long:  "Reads a single text, URL, or local file (image, PDF, EPUB, MOBI) and writes the resulting MP3.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(args[0], outPath)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output file (default: <workspace>/audio/<name>.mp3)")
	return cmd
}

// runRead drives the pipeline stages directly for one input, without the
// bus or the buffer.
func runRead(input, outPath string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setLogLevel(cfg.General.LogLevel)

	voices, err := config.LoadVoices(config.ExpandPath(cfg.Synthesis.VoicesPath))
	if err != nil {
		return fmt.Errorf("load voices: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msg := domain.InboundMessage{
		Channel:   "cli",
		ChatID:    "cli",
		Timestamp: time.Now(),
	}
	if data, statErr := os.ReadFile(input); statErr == nil {
		switch strings.ToLower(filepath.Ext(input)) {
		case ".jpg", ".jpeg", ".png", ".webp", ".bmp", ".gif":
			msg.ImageData = data
		default:
			msg.DocumentData = data
			msg.FileName = filepath.Base(input)
			msg.MimeType = mime.TypeByExtension(filepath.Ext(input))
		}
	} else {
		msg.Text = input
	}

	item := classify.New(cfg.General.Language).Classify(msg)
	if item.PreFailed {
		return fmt.Errorf("cannot read this input: %w", item.FailCause)
	}

	now := time.Now()
	batch := domain.Batch{
		ID:       uuid.NewString(),
		ChatID:   msg.ChatID,
		Items:    []domain.ClassifiedItem{item},
		OpenedAt: now,
		ClosedAt: now,
		Reason:   domain.CloseFlush,
	}

	results := newRouter(cfg).Extract(ctx, batch)
	assembled, err := assemble.New(cfg.General.Language, logger).Merge(batch, results)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	for _, artifact := range assembled.Audio {
		path, err := writeArtifact(cfg, artifact, outPath)
		if err != nil {
			return err
		}
		fmt.Println(path)
	}
	if assembled.Payload == nil {
		return nil
	}

	outcome := newDispatcher(cfg, voices).Dispatch(ctx, assembled.Payload)
	if outcome.Err != nil {
		return fmt.Errorf("synthesis failed: %w", outcome.Err)
	}
	path, err := writeArtifact(cfg, outcome.Audio, outPath)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func writeArtifact(cfg *config.Config, artifact *domain.AudioArtifact, outPath string) (string, error) {
	path := outPath
	if path == "" {
		dir := filepath.Join(config.ExpandPath(cfg.General.Workspace), "audio")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		path = filepath.Join(dir, artifact.FileName)
	}
	if err := os.WriteFile(path, artifact.Data, 0o644); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	return path, nil
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func runBot(cmd *cobra.Command, args []string) error {
	return runWith(nil)
}

// runWith loads the config, optionally rewrites it, and runs the bot until
// a shutdown signal arrives.
func runWith(rewrite func(*config.Config) *config.Config) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	if rewrite != nil {
		cfg = rewrite(cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	setLogLevel(cfg.General.LogLevel)

	workspace := config.ExpandPath(cfg.General.Workspace)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	voices, err := config.LoadVoices(config.ExpandPath(cfg.Synthesis.VoicesPath))
	if err != nil {
		return fmt.Errorf("load voices: %w", err)
	}

	var historyStore domain.HistoryStore
	if cfg.History.Enabled {
		store, err := history.NewSQLiteStore(config.ExpandPath(cfg.History.DBPath), logger)
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
		defer store.Close()
		historyStore = store
	}

	router := newRouter(cfg)
	dispatcher := newDispatcher(cfg, voices)

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Bus:        messageBus,
		Classifier: classify.New(cfg.General.Language),
		Router:     router,
		Assembler:  assemble.New(cfg.General.Language, logger),
		Dispatcher: dispatcher,
		History:    historyStore,
		BufferOpts: buffer.Options{
			Debounce: time.Duration(cfg.Buffer.DebounceSeconds) * time.Second,
			MaxItems: cfg.Buffer.MaxItems,
			MaxAge:   time.Duration(cfg.Buffer.MaxAgeSeconds) * time.Second,
		},
		BotUsername: cfg.Channels.Telegram.BotUsername,
		Logger:      logger,
	})

	go orch.Run(ctx)

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Endpoint)
	}

	statusFn := func(ctx context.Context) (string, error) {
		if historyStore == nil {
			return "", fmt.Errorf("history disabled")
		}
		batches, syntheses, failures, err := historyStore.Counts(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Batches: %d\nAudio generated: %d\nFailures: %d", batches, syntheses, failures), nil
	}

	var telegramCh *channel.Telegram
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		telegramCh = channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Username:  cfg.Channels.Telegram.BotUsername,
			Status:    statusFn,
			Logger:    logger,
		})
		go func() {
			if err := telegramCh.Start(ctx, messageBus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	if cfg.Channels.CLI.Enabled {
		cliCh := channel.NewCLI(channel.CLIConfig{
			Logger:   logger,
			AudioDir: filepath.Join(workspace, "audio"),
		})
		// CLI blocks in the foreground; quitting it shuts the bot down.
		err := cliCh.Start(ctx, messageBus)
		stop()
		return err
	}

	logger.Info("readloong started. Press Ctrl+C to stop.", "version", version)
	<-ctx.Done()
	logger.Info("shutting down...")

	if telegramCh != nil {
		_ = telegramCh.Stop()
	}
	return nil
}

func newRouter(cfg *config.Config) *extract.Router {
	return extract.NewRouter(extract.RouterConfig{
		Primary:       extract.NewPaddleClient(cfg.Extract.OCR.PrimaryURL, cfg.Extract.OCR.GPU, logger),
		General:       extract.NewTesseractClient(cfg.Extract.OCR.GeneralURL, logger),
		PrimaryLang:   cfg.General.Language,
		MinConfidence: cfg.Extract.OCR.MinConfidence,
		Articles:      extract.NewChromeFetcher(logger),
		Videos:        extract.NewYtdlpExtractor(cfg.Extract.Video.YtdlpPath, logger),
		Documents:     extract.NewExecDocumentExtractor(cfg.Extract.Document.PdftotextPath, cfg.Extract.Document.EbookConvertPath, logger),
		Concurrency:   cfg.Extract.Concurrency,
		Timeout:       time.Duration(cfg.Extract.TimeoutSeconds) * time.Second,
		Limiter:       extract.NewEngineLimiter(cfg.Extract.Concurrency, 60),
		Logger:        logger,
	})
}

func newDispatcher(cfg *config.Config, voices config.VoiceMap) *synthesis.Dispatcher {
	var synth domain.Synthesizer
	switch cfg.Synthesis.Provider {
	case "openai":
		synth = synthesis.NewOpenAISynthesizer(synthesis.OpenAIConfig{
			APIBase: cfg.Synthesis.APIBase,
			APIKey:  cfg.Synthesis.APIKey,
			Model:   cfg.Synthesis.Model,
			Logger:  logger,
		})
	default:
		synth = synthesis.NewEdgeSynthesizer(logger)
	}
	return synthesis.NewDispatcher(synthesis.DispatcherConfig{
		Synthesizer:  synth,
		Voices:       voices,
		DefaultVoice: cfg.General.DefaultVoice,
		MaxTextLen:   cfg.Synthesis.MaxTextLen,
		Timeout:      time.Duration(cfg.Synthesis.TimeoutSeconds) * time.Second,
		Logger:       logger,
	})
}

// serveMetrics exposes the Prometheus text endpoint until ctx is done.
func serveMetrics(ctx context.Context, endpoint string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Collector.Handler())
	srv := &http.Server{Addr: endpoint, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics endpoint listening", "addr", endpoint)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics endpoint error", "err", err)
	}
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored usage counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}
			if !cfg.History.Enabled {
				fmt.Println("history disabled")
				return nil
			}
			store, err := history.NewSQLiteStore(config.ExpandPath(cfg.History.DBPath), logger)
			if err != nil {
				return fmt.Errorf("history store: %w", err)
			}
			defer store.Close()
			batches, syntheses, failures, err := store.Counts(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Batches processed: %d\nAudio generated:   %d\nFailures:          %d\n", batches, syntheses, failures)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("readloong", version)
		},
	}
}
