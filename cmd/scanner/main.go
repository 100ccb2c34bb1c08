// Command scanner reads frames from the camera daemon, tracks text regions
// and recognizes them with Tesseract.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/ocr"
)

var (
	configPath string
	logLevel   string
	logColor   bool
	sourceKind string
	shmName    string
	replay     []string
	replayFPS  float64
	httpAddr   string
	language   string

	rootCmd = &cobra.Command{
		Use:   "scanner",
		Short: "Real-time text scanner for the RDK X5 camera",
		Long: `scanner pulls frames from the camera daemon's shared memory, tracks
text regions across frames and recognizes each stable region once.`,
		SilenceUsage: true,
		RunE:         runScanner,
	}
	recognizeCmd = &cobra.Command{
		Use:   "recognize [image]",
		Short: "Recognizes the text of a single image and exits",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecognize,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flags.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flags.StringVar(&language, "lang", config.Default().OCR.Language, "Tesseract language")

	rootCmd.Flags().StringVar(&sourceKind, "source", config.SourceSHM, "Frame source (shm, replay)")
	rootCmd.Flags().StringVar(&shmName, "shm", capture.DefaultSHMConfig().Name, "Shared memory name")
	rootCmd.Flags().StringSliceVar(&replay, "replay", nil, "Images to replay instead of the camera (implies --source=replay)")
	rootCmd.Flags().Float64Var(&replayFPS, "fps", 10, "Replay frame rate")
	rootCmd.Flags().StringVar(&httpAddr, "http", ":8090", "Debug server address, empty to disable")

	rootCmd.AddCommand(recognizeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	changed := cmd.Flags().Changed
	if changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if changed("log-color") {
		cfg.Log.Color = logColor
	}
	if changed("lang") {
		cfg.OCR.Language = language
	}
	if changed("source") {
		cfg.Capture.Source = sourceKind
	}
	if changed("shm") {
		cfg.Capture.SHM.Name = shmName
	}
	if changed("replay") {
		cfg.Capture.Source = config.SourceReplay
		cfg.Capture.Replay.Paths = replay
	}
	if changed("fps") {
		cfg.Capture.Replay.FPS = replayFPS
	}
	if changed("http") {
		cfg.Debug.Addr = httpAddr
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return cfg, err
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)
	return cfg, nil
}

func runScanner(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Info("Main", "Text scanner starting (source=%s, lang=%s)", cfg.Capture.Source, cfg.OCR.Language)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, closeSource, err := openSource(cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	// The tracker stage closes the detector and the recognition queue closes
	// the recognizer, each after its last use.
	det, err := ocr.NewDetector(ocr.DetectorConfig(cfg.OCR))
	if err != nil {
		return fmt.Errorf("failed to create text detector: %w", err)
	}

	rec, err := ocr.NewRecognizer(cfg.OCR.Language)
	if err != nil {
		_ = det.Close()
		return fmt.Errorf("failed to create recognizer: %w", err)
	}

	p, err := NewPipeline(cfg, src, det, rec, capture.FixedFocus{})
	if err != nil {
		_ = det.Close()
		_ = rec.Close()
		return err
	}
	if err := p.Run(ctx); err != nil {
		return err
	}
	logger.Info("Main", "Text scanner stopped")
	return nil
}

// openSource opens the configured frame source and returns its cleanup.
func openSource(cfg config.Config) (frameSource, func(), error) {
	switch cfg.Capture.Source {
	case config.SourceReplay:
		src, err := capture.NewReplaySource(cfg.Capture.Replay.Paths, cfg.Capture.Replay.FPS)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	default:
		reader, err := capture.OpenSHM(cfg.Capture.SHM.Name)
		if err != nil {
			return nil, nil, err
		}
		src := capture.NewSHMSource(reader, cfg.Capture.SHM)
		return src, func() {
			if err := src.Close(); err != nil {
				logger.Warn("Main", "%v", err)
			}
		}, nil
	}
}
