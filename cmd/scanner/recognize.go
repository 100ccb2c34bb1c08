package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/ocr"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/recognition"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/tracker"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/pkg/types"
)

const recognizeTimeout = 30 * time.Second

func runRecognize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	img, err := capture.LoadImage(args[0])
	if err != nil {
		return err
	}

	rec, err := ocr.NewRecognizer(cfg.OCR.Language)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}

	res, err := recognizeOnce(rec, tracker.NewRegion(img.Bounds(), img, time.Now()), recognizeTimeout)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Text)
	fmt.Fprintf(cmd.ErrOrStderr(), "confidences=%v duration=%v\n", res.Confidences, res.Duration)
	return nil
}

// recognizeOnce runs a single region through a recognition queue, which
// owns engine from then on.
func recognizeOnce(engine recognition.Recognizer, r *tracker.Region, timeout time.Duration) (types.Result, error) {
	done := make(chan types.Result, 1)
	q := recognition.NewQueue(engine, func(_ *tracker.Region, res types.Result) {
		done <- res
	}, nil)

	if err := q.Start(); err != nil {
		q.Close()
		return types.Result{}, err
	}
	q.Enqueue(r)

	select {
	case res := <-done:
		q.Close()
		return res, nil
	case <-time.After(timeout):
		// Close waits for the running job; let it finish in the background.
		go q.Close()
		return types.Result{}, fmt.Errorf("recognition timed out after %v", timeout)
	}
}
