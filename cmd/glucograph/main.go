// Command glucograph extracts glucose readings from chart images and
// evaluates pattern detectors over the accumulated history.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/glucograph/glucograph/internal/config"
	"github.com/glucograph/glucograph/internal/metrics"
	"github.com/glucograph/glucograph/internal/ocr"
	"github.com/glucograph/glucograph/internal/patterns"
	"github.com/glucograph/glucograph/internal/pipeline"
	"github.com/glucograph/glucograph/internal/raster"
	"github.com/glucograph/glucograph/internal/reconstruct"
	"github.com/glucograph/glucograph/internal/store"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:     "glucograph",
	Short:   "Glucose chart extraction and pattern analysis",
	Long:    "Converts raster images of blood-glucose charts into time-ordered readings and surfaces clinically meaningful patterns over the accumulated history.",
	Version: fmt.Sprintf("%s (%s)", Version, GitCommit),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

var analyzeTimeout time.Duration

var analyzeCmd = &cobra.Command{
	Use:   "analyze IMAGE...",
	Short: "Extract readings from chart images and store them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if analyzeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, analyzeTimeout)
			defer cancel()
		}

		inputs := make([]pipeline.Input, 0, len(args))
		for _, path := range args {
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			inputs = append(inputs, pipeline.Input{
				Name: path,
				Raw:  raw,
				Calendar: reconstruct.CalendarContext{
					ReferenceDate: time.Now(),
					LookbackDays:  cfg.Extract.LookbackDays,
				},
			})
		}

		engine := ocr.NewEngine(cfg.Image.OCRLanguage)
		if ce := zap.L().Check(zap.DebugLevel, "ocr engine ready"); ce != nil {
			ce.Write(zap.String("tesseract_version", engine.Version()))
		}

		analyzer := pipeline.New(
			engine,
			pipeline.WithImageOptions(imageOptions()),
			pipeline.WithExtractOptions(reconstruct.Options{
				MergeWindow:    cfg.Extract.MergeWindow,
				ValueTolerance: cfg.Extract.ValueTolerance,
			}),
			pipeline.WithWorkers(cfg.Batch.Workers),
		)
		outcomes := analyzer.AnalyzeBatch(ctx, inputs)

		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		for _, out := range outcomes {
			if out.Failed() {
				continue
			}
			if err := db.AppendReadings(ctx, out.Readings); err != nil {
				return err
			}
		}

		return printJSON(outcomes)
	},
}

var reportDays int

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Evaluate pattern detectors and time-in-range over stored history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}

		now := time.Now()
		history, err := db.FetchRange(ctx, now.AddDate(0, 0, -reportDays), now)
		if err != nil {
			return err
		}

		findings := patterns.Evaluate(history, nil, cfg.Patterns)
		ranges := metrics.Aggregate(history.Readings(),
			metrics.TargetRange{Low: cfg.Range.TargetLow, High: cfg.Range.TargetHigh},
			metrics.Window{},
			cfg.Range.ConfidenceFloor,
		)

		return printJSON(struct {
			Readings int                  `json:"readings"`
			Findings []patterns.Finding   `json:"findings"`
			Range    metrics.RangeMetrics `json:"range"`
		}{history.Len(), findings, ranges})
	},
}

func imageOptions() raster.Options {
	return raster.Options{
		MinWidth:               cfg.Image.MinWidth,
		MinHeight:              cfg.Image.MinHeight,
		DeskewToleranceDegrees: cfg.Image.DeskewToleranceDeg,
		CropConfidenceFloor:    cfg.Image.CropConfidenceFloor,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", 0, "overall deadline; partial results are returned when it expires")
	reportCmd.Flags().IntVar(&reportDays, "days", 14, "history window in days")
	rootCmd.AddCommand(analyzeCmd, reportCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
