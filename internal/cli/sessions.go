package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionsSubject string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions",
	Long:  `List catalogued sessions, newest first, and the tags used most often for the subject.`,
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsSubject, "subject", "", "Only list sessions of this subject")
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg.MQTT.Enabled = false
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := requireCatalog(a); err != nil {
		return err
	}

	ctx := cmd.Context()
	entries, err := a.catalog.List(ctx, sessionsSubject)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No sessions. Run 'adalog record' to create one.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSUBJECT\tSTATUS\tDURATION\tTAGS\tDIR")
	for _, e := range entries {
		duration := "-"
		if e.EndedAt != nil {
			duration = e.EndedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		status := e.Status
		if e.Error != "" {
			status += ": " + e.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime), e.Subject, status, duration, strings.Join(e.Tags, ", "), e.Dir)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if sessionsSubject != "" {
		tags, err := a.catalog.TagsForSubject(ctx, sessionsSubject)
		if err != nil {
			return err
		}
		if len(tags) > 0 {
			fmt.Fprintf(out, "\nSuggested tags: %s\n", strings.Join(tags, ", "))
		}
	}
	return nil
}
