package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"motion-recorder/internal/align"
	"motion-recorder/internal/broadcast"
	"motion-recorder/internal/bus"
	"motion-recorder/internal/config"
	"motion-recorder/internal/ingest"
	"motion-recorder/internal/model"
	"motion-recorder/internal/session"
	"motion-recorder/internal/sink"
	"motion-recorder/internal/state"
	"motion-recorder/internal/syncest"
	"motion-recorder/internal/writer"
)

const uiBuffer = 1024

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full recording pipeline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runPipeline(ctx, cfg, logger)
	},
}

// pipeline holds everything runPipeline starts.
type pipeline struct {
	cfg  *config.Config
	log  *slog.Logger
	sess *session.Session
	ctl  *controller
	hist *state.History[model.Frame[model.Pose]]
	ui   *bus.Bus[model.Frame[model.Pose]]
	est  *syncest.Estimator

	tasks []func(context.Context) error
}

func (p *pipeline) goRun(fn func(context.Context) error) {
	p.tasks = append(p.tasks, fn)
}

func runPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("motion-recorder: starting",
		"output_dir", cfg.Session.OutputDir,
		"audio", cfg.Audio.Enabled,
		"tracker", cfg.Tracker.Enabled,
		"aux", cfg.Aux.Enabled,
	)

	poller := ingest.NewTransportPoller(cfg.Session.TransportURL, cfg.Session.TransportPoll, logger)
	sess := session.New(session.Config{
		Dir:           cfg.Session.OutputDir,
		DrainInterval: cfg.Session.DrainInterval,
		Logger:        logger,
	})

	p := &pipeline{
		cfg:  cfg,
		log:  logger,
		sess: sess,
		ctl:  newController(sess, poller),
		hist: state.NewHistory[model.Frame[model.Pose]](cfg.UI.History),
		ui:   bus.New[model.Frame[model.Pose]](),
	}
	if err := state.LoadPoseHistory(p.hist, cfg.Session.OutputDir, logger); err != nil {
		logger.Warn("motion-recorder: history preload failed", "error", err)
	}

	// Aux first: the tracker feeds the estimator built alongside it.
	if err := p.addAudio(); err != nil {
		return err
	}
	if err := p.addAux(); err != nil {
		return err
	}
	if err := p.addTracker(); err != nil {
		return err
	}

	hub := broadcast.NewHub(broadcast.Config{History: p.hist, Control: p.ctl, Logger: logger})
	uiCh := p.ui.Subscribe(uiBuffer)

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range p.tasks {
		task := task
		g.Go(func() error { return task(gctx) })
	}
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx, uiCh) })
	g.Go(func() error { return hub.Serve(gctx, cfg.UI.Addr) })
	if p.est != nil {
		g.Go(func() error { return p.est.Run(gctx) })
	}
	// The consumer closes every writer when gctx ends, flushing open takes.
	g.Go(func() error { return sess.Run(gctx) })

	err := g.Wait()
	p.ui.Close()
	logger.Info("motion-recorder: stopped", "ui_dropped", p.ui.Dropped())
	return err
}

func (p *pipeline) addAudio() error {
	ac := p.cfg.Audio
	if !ac.Enabled {
		return nil
	}
	w, err := writer.New(writer.Config[float32]{
		Name:     model.StreamAudio,
		Capacity: p.cfg.AudioCapacity(),
		Open:     sink.OpenWAV(ac.SampleRate, ac.Channels),
		Logger:   p.log,
	})
	if err != nil {
		return fmt.Errorf("audio writer: %w", err)
	}
	p.sess.Add(model.StreamAudio, w, float64(ac.SampleRate), "wav", session.WithGranule(ac.Channels))

	tone := ingest.NewTone(w, ac.SampleRate, ac.Channels, ac.BlockFrames, ac.ToneHz)
	p.goRun(tone.Run)
	return nil
}

func (p *pipeline) addTracker() error {
	sc := p.cfg.Tracker
	if !sc.Enabled {
		return nil
	}
	w, err := writer.New(writer.Config[model.Frame[model.Pose]]{
		Name:     model.StreamTracker,
		Capacity: p.cfg.StreamCapacity(sc),
		Open:     sink.OpenPoseCSV(),
		Logger:   p.log,
	})
	if err != nil {
		return fmt.Errorf("tracker writer: %w", err)
	}
	p.sess.Add(model.StreamTracker, w, sc.Rate, "csv")

	al := align.New(align.Config[model.Pose]{
		Name:    model.StreamTracker,
		Lerp:    model.LerpPose,
		MaxJump: sc.MaxJump,
		Offset:  sc.Offset,
		Logger:  p.log,
	})
	p.ctl.addStream(model.StreamTracker, al)
	mon := align.NewContinuityMonitor(model.StreamTracker, p.log)
	est := p.est

	src := ingest.NewSource(ingest.SourceConfig[model.Pose]{
		Name:   model.StreamTracker,
		URL:    sc.URL,
		Decode: ingest.DecodePose,
		Handle: func(f model.Frame[model.Pose]) {
			mon.Observe(f.Counter)
			if est != nil {
				est.ObserveReference(time.Now(), f.Counter)
			}
			out := al.Accept(f)
			w.Submit(out...)
			p.hist.Add(out...)
			for _, o := range out {
				p.ui.Publish(o)
			}
		},
		OnConnect: func() {
			al.Reset()
			mon.Reset()
			if est != nil {
				est.ResetReference()
			}
		},
		Logger: p.log,
	})
	p.goRun(src.Run)
	return nil
}

func (p *pipeline) addAux() error {
	sc := p.cfg.Aux
	if !sc.Enabled {
		return nil
	}
	w, err := writer.New(writer.Config[model.Frame[model.AuxSample]]{
		Name:     model.StreamAux,
		Capacity: p.cfg.StreamCapacity(sc),
		Open:     sink.OpenAuxCSV(),
		Logger:   p.log,
	})
	if err != nil {
		return fmt.Errorf("aux writer: %w", err)
	}
	p.sess.Add(model.StreamAux, w, sc.Rate, "csv")

	al := align.New(align.Config[model.AuxSample]{
		Name:    model.StreamAux,
		Lerp:    model.LerpAux,
		MaxJump: sc.MaxJump,
		Offset:  sc.Offset,
		Logger:  p.log,
	})
	p.ctl.addStream(model.StreamAux, al)
	mon := align.NewContinuityMonitor(model.StreamAux, p.log)

	if p.cfg.Tracker.Enabled {
		ec := syncest.Config{
			Name:    model.StreamAux,
			RefRate: p.cfg.Tracker.Rate,
			AuxRate: sc.Rate,
			Logger:  p.log,
		}
		if sc.AutoOffset {
			ec.Apply = al
		}
		p.est = syncest.New(ec)
	}
	est := p.est

	src := ingest.NewSource(ingest.SourceConfig[model.AuxSample]{
		Name:   model.StreamAux,
		URL:    sc.URL,
		Decode: ingest.DecodeAux,
		Handle: func(f model.Frame[model.AuxSample]) {
			mon.Observe(f.Counter)
			if est != nil {
				est.ObserveAux(time.Now(), f.Counter)
			}
			w.Submit(al.Accept(f)...)
		},
		OnConnect: func() {
			al.Reset()
			mon.Reset()
			if est != nil {
				est.ResetAux()
			}
		},
		Logger: p.log,
	})
	p.goRun(src.Run)
	return nil
}
