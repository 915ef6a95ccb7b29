// Package sink holds the take destinations the writers drain into.
package sink

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"motion-recorder/internal/model"
	"motion-recorder/internal/writer"
)

// =============================================================================
// CSV TAKE FILES
// =============================================================================
//
// One file per stream per take, written only from the writer's consumer
// goroutine:
//
//   writer.Drain → CSV.Append (encoding/csv) → bufio 1 MB → file
//
// The file is created exclusively; a take never overwrites an older one.
// Append hands rows to the buffered writer; bytes reach the disk when the
// buffer fills or on Close.
//
// Pose schema (9 columns):
//   counter,px,py,pz,qw,qx,qy,qz,pressed
//
// Aux schema (10 columns):
//   counter,a0,a1,a2,a3,a4,a5,a6,a7,touch
// =============================================================================

const bufSize = 1 << 20 // 1 MB

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("sink: closed")

var (
	poseHeader = []string{"counter", "px", "py", "pz", "qw", "qx", "qy", "qz", "pressed"}
	auxHeader  = []string{"counter", "a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7", "touch"}
)

// CSV writes frames of payload P as CSV rows.
type CSV[P any] struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	w      *csv.Writer
	row    []string
	encode func(row []string, f *model.Frame[P]) []string
	rows   int
	closed bool
}

func createTakeFile(target string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("sink: create dir for %s: %w", target, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: create %s: %w", target, err)
	}
	return f, nil
}

func newCSV[P any](target string, header []string, encode func([]string, *model.Frame[P]) []string) (*CSV[P], error) {
	f, err := createTakeFile(target)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriterSize(f, bufSize)
	c := &CSV[P]{
		path:   target,
		file:   f,
		buf:    buf,
		w:      csv.NewWriter(buf),
		row:    make([]string, 0, len(header)),
		encode: encode,
	}
	if err := c.w.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("sink: write header %s: %w", target, err)
	}
	return c, nil
}

// CreatePoseCSV creates a tracker take file.
func CreatePoseCSV(target string) (*CSV[model.Pose], error) {
	return newCSV(target, poseHeader, encodePose)
}

// CreateAuxCSV creates an aux take file.
func CreateAuxCSV(target string) (*CSV[model.AuxSample], error) {
	return newCSV(target, auxHeader, encodeAux)
}

// OpenPoseCSV is the writer.OpenFunc for tracker streams.
func OpenPoseCSV() writer.OpenFunc[model.Frame[model.Pose]] {
	return func(target string) (writer.Destination[model.Frame[model.Pose]], error) {
		c, err := CreatePoseCSV(target)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// OpenAuxCSV is the writer.OpenFunc for aux streams.
func OpenAuxCSV() writer.OpenFunc[model.Frame[model.AuxSample]] {
	return func(target string) (writer.Destination[model.Frame[model.AuxSample]], error) {
		c, err := CreateAuxCSV(target)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Path returns the file name.
func (c *CSV[P]) Path() string { return c.path }

// Rows returns the number of data rows written.
func (c *CSV[P]) Rows() int { return c.rows }

// Append encodes frames in order.
func (c *CSV[P]) Append(frames []model.Frame[P]) error {
	if c.closed {
		return ErrClosed
	}
	for i := range frames {
		c.row = c.encode(c.row[:0], &frames[i])
		if err := c.w.Write(c.row); err != nil {
			return fmt.Errorf("sink: write %s: %w", c.path, err)
		}
	}
	c.rows += len(frames)
	// Move rows into the 1 MB buffer; it reaches the file when full.
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("sink: write %s: %w", c.path, err)
	}
	return nil
}

// Close flushes everything and closes the file. Idempotent.
func (c *CSV[P]) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	c.w.Flush()
	err := c.w.Error()
	if ferr := c.buf.Flush(); ferr != nil {
		err = errors.Join(err, ferr)
	}
	if cerr := c.file.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return fmt.Errorf("sink: close %s: %w", c.path, err)
	}
	return nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func encodePose(row []string, f *model.Frame[model.Pose]) []string {
	p := &f.Payload
	row = append(row, strconv.FormatUint(uint64(f.Counter), 10))
	for _, v := range p.Position {
		row = append(row, formatFloat(v))
	}
	for _, v := range p.Orientation {
		row = append(row, formatFloat(v))
	}
	return append(row, strconv.FormatBool(p.Pressed))
}

func encodeAux(row []string, f *model.Frame[model.AuxSample]) []string {
	row = append(row, strconv.FormatUint(uint64(f.Counter), 10))
	for _, v := range f.Payload.Values {
		row = append(row, strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	return append(row, strconv.FormatBool(f.Payload.Touch))
}
