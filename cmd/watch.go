package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/vigil/internal/assembler"
	"github.com/andresmejia3/vigil/internal/capture"
	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/media"
	"github.com/andresmejia3/vigil/internal/monitor"
	"github.com/andresmejia3/vigil/internal/notify"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/andresmejia3/vigil/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// watchFlags mirrors the session fields that can be overridden on the command line.
// Only flags the operator actually set are applied over the YAML/default values.
type watchFlags struct {
	Camera        string
	Input         string
	Width         int
	Height        int
	FPS           float64
	PreBuffer     int
	PostEvent     int
	MaxClipFrames int
	Labels        []string
	Model         string
	Script        string
	Confidence    float64
	WorkerTimeout time.Duration
	OutputDir     string
	ClipFPS       float64
	SendStill     bool
	MQTTBroker    string
	MQTTTopic     string
}

var watchOpts watchFlags

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a camera and record a clip around the first detection",
	Long: `Reads frames from a camera, file or stream, runs the detector on every frame and,
once a trigger label is seen, records the frames before and after it into a clip.
The alert, optional still and clip are pushed to Telegram (and MQTT when configured).

Press q then Enter, or Ctrl+C, to stop early; the clip collected so far is still saved.`,
	Annotations: map[string]string{dbAnnotation: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadSession()
		if err != nil {
			utils.ShowError("Failed to load configuration", err, nil)
			return err
		}
		applyWatchFlags(cmd.Flags().Changed, watchOpts, &cfg)
		if err := config.LoadSecrets(&cfg, os.Getenv); err != nil {
			utils.ShowError("Missing configuration", err, nil)
			return err
		}
		if err := cfg.Validate(); err != nil {
			utils.ShowError("Invalid configuration", err, nil)
			return err
		}
		return runWatch(cmd.Context(), &cfg)
	},
}

func init() {
	f := watchCmd.Flags()
	f.StringVar(&watchOpts.Camera, "camera", "camera-0", "Camera name used in alerts and event history")
	f.StringVarP(&watchOpts.Input, "input", "i", "0", "Camera index, device path, video file or stream URL")
	f.IntVar(&watchOpts.Width, "width", 0, "Frame width (0 = probed for files, 640 for cameras)")
	f.IntVar(&watchOpts.Height, "height", 0, "Frame height (0 = probed for files, 480 for cameras)")
	f.Float64Var(&watchOpts.FPS, "fps", 0, "Capture rate (0 = source default)")
	f.IntVar(&watchOpts.PreBuffer, "pre-buffer", 50, "Frames kept before the trigger")
	f.IntVar(&watchOpts.PostEvent, "post-event", 50, "Frames recorded after the last trigger")
	f.IntVar(&watchOpts.MaxClipFrames, "max-clip-frames", 3000, "Hard cap on clip length while triggers keep arriving (0 = unbounded)")
	f.StringSliceVarP(&watchOpts.Labels, "labels", "l", []string{"person"}, "Detector labels that start an event")
	f.StringVarP(&watchOpts.Model, "model", "m", "yolov5n.pt", "Detector model weights")
	f.StringVar(&watchOpts.Script, "script", "python/detector.py", "Detector script")
	f.Float64VarP(&watchOpts.Confidence, "confidence", "t", 0.5, "Minimum detection confidence")
	f.DurationVar(&watchOpts.WorkerTimeout, "worker-timeout", 30*time.Second, "Maximum time to wait for one detector answer")
	f.StringVarP(&watchOpts.OutputDir, "output", "o", "output", "Directory for stills and clips")
	f.Float64Var(&watchOpts.ClipFPS, "clip-fps", 30, "Frame rate of the written clip")
	f.BoolVar(&watchOpts.SendStill, "send-still", false, "Send the trigger still as soon as the event starts")
	f.StringVar(&watchOpts.MQTTBroker, "mqtt-broker", "", "MQTT broker host:port (empty disables MQTT)")
	f.StringVar(&watchOpts.MQTTTopic, "mqtt-topic", "vigil", "MQTT topic prefix")

	rootCmd.AddCommand(watchCmd)
}

// applyWatchFlags overlays the flags the operator set on top of s.
func applyWatchFlags(changed func(string) bool, o watchFlags, s *config.Session) {
	set := func(name string, apply func()) {
		if changed(name) {
			apply()
		}
	}
	set("camera", func() { s.Camera = o.Camera })
	set("input", func() { s.Source.Input = o.Input })
	set("width", func() { s.Source.Width = o.Width })
	set("height", func() { s.Source.Height = o.Height })
	set("fps", func() { s.Source.FPS = o.FPS })
	set("pre-buffer", func() { s.Event.PreBuffer = o.PreBuffer })
	set("post-event", func() { s.Event.PostEvent = o.PostEvent })
	set("max-clip-frames", func() { s.Event.MaxClipFrames = o.MaxClipFrames })
	set("labels", func() { s.Event.TriggerLabels = o.Labels })
	set("model", func() { s.Model.Path = o.Model })
	set("script", func() { s.Model.Script = o.Script })
	set("confidence", func() { s.Model.Confidence = o.Confidence })
	set("worker-timeout", func() { s.Model.WorkerTimeout = o.WorkerTimeout })
	set("output", func() { s.Output.Dir = o.OutputDir })
	set("clip-fps", func() { s.Output.ClipFPS = o.ClipFPS })
	set("send-still", func() { s.SendStill = o.SendStill })
	set("mqtt-broker", func() { s.MQTT.Broker = o.MQTTBroker })
	set("mqtt-topic", func() { s.MQTT.Topic = o.MQTTTopic })
}

// frameSource is the capture side runWatch needs: frames plus their geometry.
type frameSource interface {
	capture.Source
	Width() int
	Height() int
}

// Swapped in tests to run the startup path without ffmpeg or Python.
var (
	openSource = func(ctx context.Context, opts capture.Options) (frameSource, error) {
		return capture.Open(ctx, opts)
	}
	startDetector = func(ctx context.Context, cfg worker.Config) (worker.Detector, error) {
		return worker.NewPythonDetectWorker(ctx, 0, cfg)
	}
)

// runWatch wires the capture session: source, detector, assembler, dispatcher and store.
// Errors are returned rather than exiting so the decoder and detector are always reaped.
func runWatch(parent context.Context, cfg *config.Session) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// 1. Capture source (fatal if it cannot be opened)
	src, err := openSource(ctx, capture.Options{
		Input:  cfg.Source.Input,
		Width:  cfg.Source.Width,
		Height: cfg.Source.Height,
		FPS:    cfg.Source.FPS,
	})
	if err != nil {
		utils.ShowError("Failed to open capture source", err, nil)
		return err
	}
	defer src.Close()
	fmt.Fprintf(os.Stderr, "📷 Capturing %s (%dx%d)\n", cfg.Source.Input, src.Width(), src.Height())

	// 2. Detector process
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	det, err := startDetector(ctx, worker.Config{
		Script:      cfg.Model.Script,
		Model:       cfg.Model.Path,
		Confidence:  cfg.Model.Confidence,
		Width:       src.Width(),
		Height:      src.Height(),
		ReadTimeout: cfg.Model.WorkerTimeout,
	})
	if err != nil {
		utils.ShowError("Worker startup failed", err, nil)
		return err
	}
	defer det.Close()

	// 3. Delivery sinks
	sinks := []notify.Sink{notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)}
	if cfg.MQTT.Broker != "" {
		m := notify.NewMQTT(cfg.MQTT, cfg.Camera)
		if err := m.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  MQTT disabled: %v\n", err)
		} else {
			defer m.Disconnect()
			sinks = append(sinks, m)
		}
	}
	dispatcher := notify.NewDispatcher(sinks, notify.WithResultHook(recordDelivery))

	session := &monitor.Session{
		Config:     cfg,
		Source:     src,
		Detector:   det,
		Assembler:  assembler.New(assembler.Config{PreBuffer: cfg.Event.PreBuffer, PostEvent: cfg.Event.PostEvent, MaxClipFrames: cfg.Event.MaxClipFrames}),
		Encoder:    &media.Encoder{},
		Dispatcher: dispatcher,
		OnTrigger: func(e types.ClipEvent) {
			fmt.Fprintf(os.Stderr, "🚨 %s detected! Recording %d frames before and %d after...\n",
				e.TriggerLabel, e.PreFrames, cfg.Event.PostEvent)
		},
	}
	// A nil *store.Store in the interface would not compare equal to nil.
	if DB != nil {
		session.Store = DB
	}

	var bar *progressbar.ProgressBar
	session.OnEncode = func(total int) func() {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🎞️  Encoding clip"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionShowCount(),
		)
		return func() { bar.Add(1) }
	}

	go watchQuit(os.Stdin, cancel)
	fmt.Fprintln(os.Stderr, "👁️  Watching. Press q + Enter to stop.")

	start := time.Now()
	sum, err := session.Run(ctx)
	if bar != nil {
		bar.Finish()
	}

	// Deliveries outlive the capture loop; give them a bounded window.
	fmt.Fprintln(os.Stderr, "\n📨 Flushing notifications...")
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer closeCancel()
	if cerr := dispatcher.Close(closeCtx); cerr != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Some notifications were not delivered: %v\n", cerr)
	}

	if err != nil {
		utils.ShowError("Failed to save clip", err, nil)
		return err
	}
	printSummary(os.Stderr, sum, dispatcher.Stats(), time.Since(start))
	return nil
}

// recordDelivery persists each delivery attempt when the event history is enabled.
func recordDelivery(r notify.Result) {
	if DB == nil || r.Notification.Event == nil {
		return
	}
	detail := ""
	if r.Err != nil {
		detail = r.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := DB.RecordDelivery(ctx, r.Notification.Event.ID, r.Sink, string(r.Notification.Kind), r.Err == nil, detail); err != nil {
		slog.Error("failed to record delivery", "event", r.Notification.Event.ID, "error", err)
	}
}

// watchQuit cancels the session when the operator types q.
func watchQuit(r io.Reader, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if strings.EqualFold(strings.TrimSpace(scanner.Text()), "q") {
			fmt.Fprintln(os.Stderr, "🛑 Stop requested, finishing current frame...")
			cancel()
			return
		}
	}
}

func printSummary(w io.Writer, sum monitor.Summary, stats notify.Stats, elapsed time.Duration) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 SESSION SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "⏱️  Elapsed:        %s\n", fmtTime(elapsed.Seconds()))
	fmt.Fprintf(w, "🖼️  Frames read:    %d (skipped %d)\n", sum.FramesRead, sum.Skipped)
	fmt.Fprintf(w, "🏁 Stopped:        %s\n", sum.Stop)
	if sum.StopErr != nil {
		fmt.Fprintf(w, "   cause:          %v\n", sum.StopErr)
	}
	if sum.Event == nil {
		fmt.Fprintf(w, "🙈 No event triggered.\n")
	} else {
		e := sum.Event
		note := ""
		if sum.Partial {
			note = " (partial)"
		}
		fmt.Fprintf(w, "🚨 Event %s: %s at %s\n", e.ID, e.TriggerLabel, e.TriggeredAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "📸 Still:          %s\n", e.StillPath)
		fmt.Fprintf(w, "🎞️  Clip:           %s, %d frames%s\n", e.ClipPath, sum.ClipLen, note)
	}
	fmt.Fprintf(w, "📨 Deliveries:     %d ok, %d failed, %d dropped\n", stats.Delivered, stats.Failed, stats.Dropped)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
