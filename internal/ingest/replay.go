package ingest

import (
	"context"
	"time"

	"motion-recorder/internal/model"
)

// Replay feeds recorded frames to a handler, paced at rate frames per
// second. Rate <= 0 replays as fast as the handler allows.
type Replay[P any] struct {
	Frames []model.Frame[P]
	Rate   float64
	Handle func(model.Frame[P])
}

// Run returns after the last frame or when ctx ends. It reports how many
// frames were handled.
func (r *Replay[P]) Run(ctx context.Context) (int, error) {
	if r.Rate <= 0 {
		for i, f := range r.Frames {
			if err := ctx.Err(); err != nil {
				return i, err
			}
			r.Handle(f)
		}
		return len(r.Frames), nil
	}

	period := time.Duration(float64(time.Second) / r.Rate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for i, f := range r.Frames {
		r.Handle(f)
		if i == len(r.Frames)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return i + 1, ctx.Err()
		case <-ticker.C:
		}
	}
	return len(r.Frames), nil
}
