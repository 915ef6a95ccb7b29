package sink

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"motion-recorder/internal/model"
)

// LatestTake returns the most recently modified take file for stream in
// dir. It wraps fs.ErrNotExist when there is none.
func LatestTake(dir, stream, ext string) (string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*-"+stream+"."+ext))
	if err != nil {
		return "", err
	}

	var (
		latest string
		newest int64
	)
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if mt := info.ModTime().UnixNano(); latest == "" || mt > newest {
			latest, newest = f, mt
		}
	}
	if latest == "" {
		return "", fmt.Errorf("sink: no %s take in %s: %w", stream, dir, fs.ErrNotExist)
	}
	return latest, nil
}

// ReadPoseCSV reads a tracker take and returns its last `limit` frames
// (all of them when limit <= 0). Malformed rows are skipped.
func ReadPoseCSV(path string, limit int) ([]model.Frame[model.Pose], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReaderSize(f, bufSize))
	reader.FieldsPerRecord = -1 // flexible
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("sink: read header %s: %w", path, err)
	}

	// Column index map, so files with extra columns still load.
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, col := range poseHeader {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("sink: %s: missing column %q", path, col)
		}
	}

	var frames []model.Frame[model.Pose]
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			continue // skip malformed
		}
		if err != nil {
			return nil, fmt.Errorf("sink: read %s: %w", path, err)
		}
		fr, ok := poseFromRow(row, idx)
		if !ok {
			continue
		}
		frames = append(frames, fr)
	}

	if limit > 0 && len(frames) > limit {
		frames = frames[len(frames)-limit:]
	}
	return frames, nil
}

func poseFromRow(row []string, idx map[string]int) (model.Frame[model.Pose], bool) {
	var fr model.Frame[model.Pose]
	ok := true
	get := func(col string) string {
		i := idx[col]
		if i >= len(row) {
			ok = false
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	num := func(col string) float64 {
		v, err := strconv.ParseFloat(get(col), 64)
		if err != nil {
			ok = false
		}
		return v
	}

	c, err := strconv.ParseUint(get("counter"), 10, 32)
	if err != nil {
		return fr, false
	}
	fr.Counter = uint32(c)

	for i, col := range poseHeader[1:4] {
		fr.Payload.Position[i] = num(col)
	}
	for i, col := range poseHeader[4:8] {
		fr.Payload.Orientation[i] = num(col)
	}
	pressed, err := strconv.ParseBool(get("pressed"))
	if err != nil {
		ok = false
	}
	fr.Payload.Pressed = pressed
	return fr, ok
}
