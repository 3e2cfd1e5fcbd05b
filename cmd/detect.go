package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/detection"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect <image>...",
	Short: "Classify images as real or fake",
	Long: `Run the configured classifier over one or more images and print the verdicts.

Without --identity the results are only printed. With --identity each result
is also appended to that identity's detection log.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
	detectCmd.Flags().Int64("identity", 0, "Record the results for this identity id")
}

// chunkImages splits images into batches the detection service accepts.
func chunkImages(images []detection.Image, size int) [][]detection.Image {
	var out [][]detection.Image
	for len(images) > size {
		out = append(out, images[:size])
		images = images[size:]
	}
	if len(images) > 0 {
		out = append(out, images)
	}
	return out
}

func readDetectImages(paths []string) ([]detection.Image, error) {
	images := make([]detection.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		if len(data) > constants.MaxImageBytes {
			return nil, fmt.Errorf("%s exceeds %d bytes", p, constants.MaxImageBytes)
		}
		images = append(images, detection.Image{Filename: filepath.Base(p), Data: data})
	}
	return images, nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	images, err := readDetectImages(args)
	if err != nil {
		return err
	}

	var identityID *int64
	if id := mustGetInt64(cmd, "identity"); id > 0 {
		identityID = &id
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if identityID != nil {
		if _, err := a.store.GetIdentity(ctx, *identityID); err != nil {
			return fmt.Errorf("identity %d: %w", *identityID, err)
		}
	}

	svc, err := a.detection(ctx)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(images),
		progressbar.OptionSetDescription("Classifying"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	var items []detection.BatchItem
	for _, chunk := range chunkImages(images, detection.MaxBatchSize) {
		batch, err := svc.DetectBatchWithProgress(ctx, identityID, chunk, func(detection.ProgressInfo) {
			_ = bar.Add(1)
		})
		if err != nil {
			return fmt.Errorf("detecting: %w", err)
		}
		items = append(items, batch.Items...)
	}
	fmt.Println()
	fmt.Println()

	var failed int
	for _, item := range items {
		if item.Err != nil {
			failed++
			fmt.Printf("%-32s error: %s\n", item.Filename, apperr.MessageOf(item.Err))
			continue
		}
		r := item.Detection.Result
		fmt.Printf("%-32s %-4s confidence=%.3f fake=%.3f real=%.3f\n",
			item.Filename, r.Label, r.Confidence, r.FakeProbability, r.RealProbability)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(items))
	}
	return nil
}
