package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	types "github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/paymentgateway"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Gateway webhook tools",
}

var replayWebhookCmd = &cobra.Command{
	Use:   "replay [file]",
	Short: "Ingest a recorded gateway event",
	Long: `Feed a recorded webhook body through the same ledger and reconciliation path as a live delivery.
Pass the original signature headers, or --trusted for a body fetched from the gateway itself.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return replayWebhook(cmd.Context(), args[0])
	},
}

var (
	replaySignature string
	replayTimestamp string
	replayTrusted   bool
)

func replayWebhook(ctx context.Context, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	deps, err := initializeDependencies(cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	var event *types.WebhookEvent
	if replayTrusted {
		event, err = paymentgateway.DecodeWebhook(body)
		if err == nil {
			event.Verified = true
		}
	} else {
		header := http.Header{}
		header.Set(types.HeaderSignature, replaySignature)
		header.Set(types.HeaderTimestamp, replayTimestamp)
		event, err = deps.Parser.ParseWebhook(header, body)
	}
	if err != nil {
		return fmt.Errorf("rejected %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	outcome, err := deps.Reconciler.Ingest(ctx, *event, intent.SourceWebhook)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", event.ProviderEventID, err)
	}

	deps.Logger.Info("webhook replayed",
		"provider_event_id", event.ProviderEventID,
		"provider_ref", event.ProviderRef,
		"outcome", outcome)
	if outcome == intent.OutcomeReceived {
		deps.Logger.Warn("no intent matches the event yet; the sweeper will retry it", "provider_event_id", event.ProviderEventID)
	}
	return nil
}

func init() {
	replayWebhookCmd.Flags().StringVar(&replaySignature, "signature", "", "value of the original signature header")
	replayWebhookCmd.Flags().StringVar(&replayTimestamp, "timestamp", "", "value of the original timestamp header")
	replayWebhookCmd.Flags().BoolVar(&replayTrusted, "trusted", false, "skip signature verification for a body obtained from the gateway directly")

	webhookCmd.AddCommand(replayWebhookCmd)
}
