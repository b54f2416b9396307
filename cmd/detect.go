package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/vigil/internal/media"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/andresmejia3/vigil/internal/worker"
	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect <image_path>",
	Short: "Run the detector on a single image and show what would trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadSession()
		if err != nil {
			utils.ShowError("Failed to load configuration", err, nil)
			return err
		}
		// detect shares the model flags with watch
		applyWatchFlags(cmd.Flags().Changed, watchOpts, &cfg)
		return runDetect(cmd.Context(), args[0], cfg.Model.Script, cfg.Model.Path, cfg.Model.Confidence, cfg.Event.TriggerLabels)
	},
}

func init() {
	f := detectCmd.Flags()
	f.StringSliceVarP(&watchOpts.Labels, "labels", "l", []string{"person"}, "Detector labels that start an event")
	f.StringVarP(&watchOpts.Model, "model", "m", "yolov5n.pt", "Detector model weights")
	f.StringVar(&watchOpts.Script, "script", "python/detector.py", "Detector script")
	f.Float64VarP(&watchOpts.Confidence, "confidence", "t", 0.5, "Minimum detection confidence")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(ctx context.Context, imagePath, script, model string, confidence float64, labels []string) error {
	frame, err := media.LoadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	// We use ID 0 for this ad-hoc worker. No read timeout: the first request
	// also pays for loading the model.
	w, err := worker.NewPythonDetectWorker(ctx, 0, worker.Config{
		Script:     script,
		Model:      model,
		Confidence: confidence,
		Width:      frame.Width,
		Height:     frame.Height,
	})
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing image...")
	dets, err := w.Detect(ctx, frame)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}

	if len(dets) == 0 {
		fmt.Println("❌ Nothing detected in the provided image.")
		return nil
	}

	wOut := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(wOut, "LABEL\tCONFIDENCE\tBOX")
	fmt.Fprintln(wOut, "-----\t----------\t---")
	for _, d := range dets {
		fmt.Fprintf(wOut, "%s\t%.2f\t%d,%d %d,%d\n", d.Label, d.Confidence, d.Box[0], d.Box[1], d.Box[2], d.Box[3])
	}
	wOut.Flush()

	if label, ok := types.Triggered(dets, labels); ok {
		fmt.Printf("\n🚨 This frame would trigger an event (%s).\n", label)
	} else {
		fmt.Printf("\n✅ No trigger label %v in this frame.\n", labels)
	}
	return nil
}
