package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"adalog/internal/models"
)

var (
	recordSubject string
	recordTags    []string
	recordStream  string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a session",
	Long: `Record a session for a subject. Words typed on stdin are captured as text events.

Commands while recording:
  :tags a,b       replace the session tags
  :stream ID      switch to another stream (":stream none" detaches)
  :draw FILE.png  store a drawing
  :status         show the recording state
  :stop           end the session (EOF and Ctrl+C also do)`,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringVar(&recordSubject, "subject", "", "Subject identifier")
	recordCmd.Flags().StringSliceVar(&recordTags, "tag", nil, "Session tag (repeatable; defaults to ADALOG_DEFAULT_TAGS)")
	recordCmd.Flags().StringVar(&recordStream, "stream", "", "Stream ID from 'adalog streams'")
	_ = recordCmd.MarkFlagRequired("subject")
}

func runRecord(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctrl, err := a.controller(ctx)
	if err != nil {
		return err
	}

	tags := recordTags
	if len(tags) == 0 {
		tags = cfg.DefaultTags
	}

	var desc *models.StreamDescriptor
	if recordStream != "" {
		d, err := a.registry.Lookup(ctx, recordStream)
		if err != nil {
			return err
		}
		desc = &d
	}

	sess, err := ctrl.Start(ctx, recordSubject, tags, desc)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Recording %s into %s\n", sess.SubjectID, sess.Dir)

	con := &console{ctrl: ctrl, streams: a.registry, out: out}
	runErr := con.run(ctx, cmd.InOrStdin())
	if errors.Is(runErr, models.ErrNotRecording) {
		runErr = nil
	}

	stopErr := ctrl.Stop()
	if errors.Is(stopErr, models.ErrNotRecording) {
		stopErr = ctrl.Wait()
	}
	if err := errors.Join(runErr, stopErr); err != nil {
		return err
	}

	fmt.Fprintf(out, "Session saved to %s\n", sess.Dir)
	return nil
}
