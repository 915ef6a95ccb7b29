package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"motion-recorder/internal/model"
)

var capacityCmd = &cobra.Command{
	Use:   "capacity",
	Short: "Print the channel capacity of every enabled stream",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STREAM\tRATE/S\tHISTORY\tCAPACITY")
		if cfg.Audio.Enabled {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", model.StreamAudio,
				cfg.Audio.SampleRate*cfg.Audio.Channels, cfg.Audio.History, cfg.AudioCapacity())
		}
		if cfg.Tracker.Enabled {
			fmt.Fprintf(tw, "%s\t%g\t%s\t%d\n", model.StreamTracker, cfg.Tracker.Rate, cfg.Tracker.History, cfg.StreamCapacity(cfg.Tracker))
		}
		if cfg.Aux.Enabled {
			fmt.Fprintf(tw, "%s\t%g\t%s\t%d\n", model.StreamAux, cfg.Aux.Rate, cfg.Aux.History, cfg.StreamCapacity(cfg.Aux))
		}
		fmt.Fprintf(tw, "\ndrain interval %s, tolerance %g\n", cfg.Session.DrainInterval, cfg.Session.Tolerance)
		return tw.Flush()
	},
}
