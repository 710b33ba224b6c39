package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/campaign-sendqueue/cmd/queuectl/client"
)

func init() {
	controls := []struct {
		op    string
		short string
	}{
		{"start", "Materialize recipients and begin sending"},
		{"pause", "Pause sending and cancel outstanding queue items"},
		{"resume", "Resume a paused campaign"},
		{"retry-failed", "Requeue terminally failed items"},
		{"send-now", "Repair the queue and run one batch for the campaign immediately"},
	}
	for _, c := range controls {
		rootCmd.AddCommand(controlCommand(c.op, c.short))
	}

	var showCmd = &cobra.Command{
		Use:   "show [campaign_id]",
		Short: "Show a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			campaign, err := newClient().Campaign(id)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(campaign)
			}
			fmt.Printf("Campaign: %d (%s)\n", campaign.ID, campaign.Name)
			fmt.Printf("Status: %s\n", campaign.Status)
			fmt.Printf("Send mode: %s\n", campaign.SendMode)
			fmt.Printf("Segment: %s\n", campaign.Segment)
			fmt.Printf("Recipients: %d (sent %d, failed %d)\n", campaign.TotalRecipients, campaign.SentCount, campaign.FailedCount)
			return nil
		},
	}

	var progressCmd = &cobra.Command{
		Use:   "progress [campaign_id]",
		Short: "Show sent, failed and outstanding counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			progress, err := newClient().Progress(id)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(progress)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CAMPAIGN\tSTATUS\tTOTAL\tSENT\tFAILED\tOUTSTANDING")
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\n",
				progress.CampaignID, progress.Status, progress.Total, progress.Sent, progress.Failed, progress.Outstanding)
			return w.Flush()
		},
	}

	var failuresCmd = &cobra.Command{
		Use:   "failures [campaign_id]",
		Short: "List terminally failed recipients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			out, err := newClient().Failures(id, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out)
			}
			if len(out.Failures) == 0 {
				fmt.Println("No failed items")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ITEM\tEMAIL\tATTEMPTS\tERROR")
			for _, f := range out.Failures {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", f.QueueItemID, f.Email, f.Attempts, f.ErrorMessage)
			}
			return w.Flush()
		},
	}
	failuresCmd.Flags().Int("limit", 0, "Maximum number of items (server default 100)")

	rootCmd.AddCommand(showCmd, progressCmd, failuresCmd)
}

func controlCommand(op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " [campaign_id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			result, err := newClient().Control(id, op)
			if err != nil && !errors.Is(err, client.ErrRejected) {
				return err
			}
			if asJSON {
				if perr := printJSON(result); perr != nil {
					return perr
				}
			} else {
				fmt.Println(result.Message)
				if result.Data != nil {
					_ = printJSON(result.Data)
				}
			}
			if err != nil {
				return fmt.Errorf("%s campaign %d: %w", op, id, err)
			}
			return nil
		},
	}
}
