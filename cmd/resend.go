package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/notify"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var resendStill bool

var resendCmd = &cobra.Command{
	Use:   "resend <event_id>",
	Short: "Send a recorded clip to Telegram again",
	Long: `Delivers a stored event once more. Delivery is never retried automatically;
this command is the operator's manual redelivery after a failed send.`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{dbAnnotation: dbRequired},
	Run: func(cmd *cobra.Command, args []string) {
		id, err := uuid.Parse(args[0])
		if err != nil {
			utils.Die("Invalid event ID", err, nil)
		}

		var s config.Session
		if err := config.LoadSecrets(&s, os.Getenv); err != nil {
			utils.Die("Missing configuration", err, nil)
		}

		runResend(cmd.Context(), id, notify.NewTelegram(s.Telegram.Token, s.Telegram.ChatID))
	},
}

func init() {
	resendCmd.Flags().BoolVar(&resendStill, "still", false, "Also send the trigger still")
	rootCmd.AddCommand(resendCmd)
}

// resendPlan lists what gets delivered for an event, in order.
func resendPlan(e types.ClipEvent, withStill bool) []notify.Notification {
	caption := fmt.Sprintf("%s on %s at %s (resent)", e.TriggerLabel, e.Camera, e.TriggeredAt.Local().Format("2006-01-02 15:04:05"))
	var plan []notify.Notification
	if withStill && e.StillPath != "" {
		plan = append(plan, notify.Notification{Kind: notify.KindPhoto, Path: e.StillPath, Text: caption, Event: &e})
	}
	if e.ClipPath != "" {
		plan = append(plan, notify.Notification{Kind: notify.KindVideo, Path: e.ClipPath, Text: caption, Event: &e})
	}
	return plan
}

func runResend(ctx context.Context, id uuid.UUID, sink notify.Sink) {
	// 1. Database is initialized in Root PersistentPreRun
	e, err := DB.GetEvent(ctx, id)
	if err != nil {
		utils.Die("Failed to load event", err, nil)
	}

	plan := resendPlan(e, resendStill)
	if len(plan) == 0 {
		utils.Die("Nothing to resend", fmt.Errorf("event %s has no clip on record", id), nil)
	}

	bar := progressbar.NewOptions(len(plan),
		progressbar.OptionSetDescription("📨 Resending"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	failed := 0
	for _, n := range plan {
		err := sink.Deliver(ctx, n)
		detail := ""
		if err != nil {
			failed++
			detail = err.Error()
			fmt.Fprintf(os.Stderr, "\n⚠️  %s delivery failed: %v\n", n.Kind, err)
		}
		if rerr := DB.RecordDelivery(ctx, e.ID, sink.Name(), string(n.Kind), err == nil, detail); rerr != nil {
			fmt.Fprintf(os.Stderr, "\n⚠️  Failed to record delivery: %v\n", rerr)
		}
		bar.Add(1)
	}
	bar.Finish()

	if failed > 0 {
		utils.Die("Resend incomplete", fmt.Errorf("%d of %d deliveries failed", failed, len(plan)), nil)
	}
	fmt.Printf("\n✅ Event %s resent\n", id)
}
