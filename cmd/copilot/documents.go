package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xaenox/copilot-chat/internal/importer"
	"github.com/xaenox/copilot-chat/internal/models"
)

func newUploadCmd(app func() *app) *cobra.Command {
	params := &struct {
		Watch bool
	}{}

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a document for ingestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			out := cmd.OutOrStdout()
			imp := a.newImporter(importer.WithLogSink(func(line string) {
				fmt.Fprintln(out, line)
			}))

			eventID, err := imp.Import(cmd.Context(), args[0])
			if err != nil || !params.Watch || eventID == "" {
				return err
			}

			details, err := imp.Watch(cmd.Context(), eventID, func(d *models.EventDetails) {
				printTimeline(out, d)
			})
			if err != nil {
				return err
			}
			if details.StageStatus("processing_failed") == models.StatusFailed {
				fmt.Fprintln(out, "Processing failed.")
			} else {
				fmt.Fprintln(out, "Processing finished.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&params.Watch, "watch", "w", false, "follow processing until it is done")
	return cmd
}

func newStatusCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [event-id]",
		Short: "Show document processing status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			out := cmd.OutOrStdout()
			imp := a.newImporter()

			if len(args) == 1 {
				details, err := imp.CheckStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printTimeline(out, details)
				return nil
			}

			snap, err := imp.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Completed %d  In progress %d  Failed %d  Pending %d\n",
				snap.Counts.Completed, snap.Counts.InProgress, snap.Counts.Failed, snap.Counts.Pending)
			for _, e := range snap.Events {
				fmt.Fprintf(out, "%-38s %-12s %-24s %5.1f%%\n", e.EventID, e.OverallStatus, e.CurrentStage, e.ProgressPercentage)
				if e.LastError != "" {
					fmt.Fprintf(out, "  error: %s\n", e.LastError)
				}
			}
			fmt.Fprintf(out, "Last updated %s\n", snap.LastUpdated.Format("15:04:05"))
			return nil
		},
	}
}

func printTimeline(out io.Writer, d *models.EventDetails) {
	parts := make([]string, 0, len(models.StageNames))
	for _, s := range models.StageNames {
		status := d.StageStatus(s.Stage)
		if status == models.StatusPending {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%s", s.Name, status))
	}
	if len(parts) == 0 {
		fmt.Fprintln(out, "Waiting for processing to start...")
		return
	}
	fmt.Fprintln(out, strings.Join(parts, "  "))
}

func newDataSourcesCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "datasources",
		Short: "List configured data sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			sources, err := a.client.DataSources(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(sources) == 0 {
				fmt.Fprintln(out, "No data sources.")
				return nil
			}
			sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
			for _, s := range sources {
				fmt.Fprintf(out, "%-20s %-24s %-12s %s\n", s.ID, s.Name, s.Type, s.Status)
			}
			return nil
		},
	}
}
