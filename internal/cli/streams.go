package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"adalog/internal/stream"
)

var streamsCmd = &cobra.Command{
	Use:     "streams",
	Aliases: []string{"ls-streams"},
	Short:   "List discoverable biosignal streams",
	RunE:    runStreams,
}

func runStreams(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	descs := a.registry.Discover(cmd.Context())
	out := cmd.OutOrStdout()
	if len(descs) == 0 {
		fmt.Fprintln(out, "No streams found. Enable a source with --synthetic or ADALOG_MQTT_ENABLED=true.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNELS\tRATE\tSTREAM")
	for _, d := range descs {
		fmt.Fprintf(w, "%s\t%d\t%g Hz\t%s\n", d.ID, d.ChannelCount, d.SampleRate, stream.Label(d))
	}
	return w.Flush()
}
