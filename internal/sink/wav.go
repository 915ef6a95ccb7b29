package sink

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"motion-recorder/internal/writer"
)

const bitDepth = 16

// WAV writes interleaved float32 samples as 16-bit PCM.
type WAV struct {
	path     string
	file     *os.File
	enc      *wav.Encoder
	buf      *audio.IntBuffer
	channels int
	samples  int
	closed   bool
}

// CreateWAV creates an audio take file.
func CreateWAV(target string, sampleRate, channels int) (*WAV, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("sink: bad wav format %d Hz x %d", sampleRate, channels)
	}
	f, err := createTakeFile(target)
	if err != nil {
		return nil, err
	}
	return &WAV{
		path: target,
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, bitDepth, channels, 1),
		buf: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: channels,
				SampleRate:  sampleRate,
			},
			SourceBitDepth: bitDepth,
		},
		channels: channels,
	}, nil
}

// OpenWAV is the writer.OpenFunc for the audio stream.
func OpenWAV(sampleRate, channels int) writer.OpenFunc[float32] {
	return func(target string) (writer.Destination[float32], error) {
		w, err := CreateWAV(target, sampleRate, channels)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

// Path returns the file name.
func (w *WAV) Path() string { return w.path }

// Frames returns the sample frames written so far.
func (w *WAV) Frames() int { return w.samples / w.channels }

// Append converts samples in [-1, 1] to PCM, clipping outside that range.
func (w *WAV) Append(samples []float32) error {
	if w.closed {
		return ErrClosed
	}
	data := w.buf.Data[:0]
	for _, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		data = append(data, int(s*32767))
	}
	w.buf.Data = data

	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("sink: write %s: %w", w.path, err)
	}
	w.samples += len(samples)
	return nil
}

// Close finalizes the RIFF header and closes the file. Idempotent.
func (w *WAV) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.enc.Close()
	if cerr := w.file.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return fmt.Errorf("sink: close %s: %w", w.path, err)
	}
	return nil
}
