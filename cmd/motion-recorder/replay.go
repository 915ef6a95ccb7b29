package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"motion-recorder/internal/align"
	"motion-recorder/internal/config"
	"motion-recorder/internal/ingest"
	"motion-recorder/internal/model"
	"motion-recorder/internal/session"
	"motion-recorder/internal/sink"
	"motion-recorder/internal/writer"
)

var (
	replayInput  string
	replayOffset int32
	replayRate   float64

	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Re-align a recorded tracker take into a new take",
		Long: `replay reads a tracker CSV (the newest take in the output directory
unless --input is given), runs it through the aligner with --offset and
writes the result as a new take next to the original.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			take, err := replayTake(cmd.Context(), cfg, logger, replayInput, replayOffset, replayRate)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), take.Streams[0].Target)
			return nil
		},
	}
)

func init() {
	replayCmd.Flags().StringVarP(&replayInput, "input", "i", "", "tracker CSV to replay (default: newest take)")
	replayCmd.Flags().Int32Var(&replayOffset, "offset", 0, "counter offset applied before alignment")
	replayCmd.Flags().Float64Var(&replayRate, "rate", 0, "frames per second, 0 replays as fast as possible")
}

// replayTake runs one recorded take through a fresh aligner and writer.
// Everything happens on the calling goroutine: the replay handler is both
// producer and consumer, draining whenever the channel fills.
func replayTake(ctx context.Context, cfg *config.Config, logger *slog.Logger, input string, offset int32, rate float64) (session.Take, error) {
	if input == "" {
		latest, err := sink.LatestTake(cfg.Session.OutputDir, model.StreamTracker, "csv")
		if err != nil {
			return session.Take{}, err
		}
		input = latest
	}
	frames, err := sink.ReadPoseCSV(input, 0)
	if err != nil {
		return session.Take{}, err
	}
	logger.Info("replay: loaded", "path", input, "frames", len(frames), "offset", offset)

	w, err := writer.New(writer.Config[model.Frame[model.Pose]]{
		Name:     model.StreamTracker,
		Capacity: cfg.StreamCapacity(cfg.Tracker),
		Open:     sink.OpenPoseCSV(),
		Logger:   logger,
	})
	if err != nil {
		return session.Take{}, err
	}
	sess := session.New(session.Config{Dir: cfg.Session.OutputDir, Logger: logger})
	sess.Add(model.StreamTracker, w, cfg.Tracker.Rate, "csv")

	al := align.New(align.Config[model.Pose]{
		Name:    model.StreamTracker,
		Lerp:    model.LerpPose,
		MaxJump: cfg.Tracker.MaxJump,
		Offset:  offset,
		Logger:  logger,
	})

	take, err := sess.Start(session.Transport{})
	if err != nil {
		return take, err
	}
	var drainErr error
	drain := func() {
		if err := sess.DrainAll(); err != nil && drainErr == nil {
			drainErr = err
		}
	}
	drain() // opens the take

	r := &ingest.Replay[model.Pose]{
		Frames: frames,
		Rate:   rate,
		Handle: func(f model.Frame[model.Pose]) {
			out := al.Accept(f)
			for len(out) > 0 {
				n := w.Submit(out...)
				out = out[n:]
				if len(out) > 0 || w.Backlog() == w.MaxRewind() {
					drain()
				}
			}
		},
	}
	n, runErr := r.Run(ctx)

	stopped, stopErr := sess.Stop()
	drain()
	closeErr := w.Close()

	st := al.Stats()
	logger.Info("replay: done",
		"take", take.ID,
		"replayed", n,
		"emitted", st.Emitted,
		"synthesized", st.Synthesized,
		"dropped", st.Dropped,
		"written", w.UnwrappedWriteCount(),
	)
	if stopErr == nil {
		take = stopped
	}
	return take, errors.Join(runErr, stopErr, drainErr, closeErr)
}
