package chute

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

var csvHeader = []string{"t", "z", "x", "y", "ux", "uy", "wx", "wy"}

// TrajectoryRecord is one row of an exported trajectory.
type TrajectoryRecord struct {
	T, Z float64
	X, U Vec2
	W    Vec2
}

// FromText initializes from a CSV record of eight items.
func (r *TrajectoryRecord) FromText(record []string) error {
	if len(record) != len(csvHeader) {
		return fmt.Errorf("record has %d items, expected %d", len(record), len(csvHeader))
	}
	var vals [8]float64
	for i, s := range record {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("column %s: %w", csvHeader[i], err)
		}
		vals[i] = v
	}
	*r = TrajectoryRecord{T: vals[0], Z: vals[1], X: Vec2{vals[2], vals[3]}, U: Vec2{vals[4], vals[5]}, W: Vec2{vals[6], vals[7]}}
	return nil
}

// ToText converts to a CSV record.
func (r TrajectoryRecord) ToText() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	return []string{f(r.T), f(r.Z), f(r.X[0]), f(r.X[1]), f(r.U[0]), f(r.U[1]), f(r.W[0]), f(r.W[1])}
}

// Records returns one record per time step of the result.
func (r *GuidanceResult) Records() []TrajectoryRecord {
	recs := make([]TrajectoryRecord, r.Steps())
	for k := range recs {
		recs[k] = TrajectoryRecord{T: r.Times[k], Z: r.Altitudes[k], X: r.X[k], U: r.U[k], W: r.Wind[k]}
	}
	return recs
}

// ExportCSV writes the trajectory as CSV, preceded by a commented header.
func ExportCSV(w io.Writer, res *GuidanceResult) error {
	if _, err := fmt.Fprintf(w, `# Creation date (UTC): %s
# Records are <t> <z> <x> <y> <ux> <uy> <wx> <wy>
#   Time in seconds from release, altitude in meters
#   Positions in meters, glide and wind velocities in m/s
#   Target: (%f, %f), landing error: %.3f m, state: %s
`, time.Now().UTC(), res.Target[0], res.Target[1], res.LandingError, res.State); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range res.Records() {
		if err := cw.Write(rec.ToText()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a trajectory written by ExportCSV.
func ReadCSV(r io.Reader) ([]TrajectoryRecord, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	var recs []TrajectoryRecord
	header := true
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if header {
			header = false
			continue
		}
		var rec TrajectoryRecord
		if err := rec.FromText(record); err != nil {
			return nil, fmt.Errorf("row %d: %w", len(recs)+1, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// WriteArchive writes the result msgpack-encoded and zstd-compressed.
func WriteArchive(w io.Writer, res *GuidanceResult) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := msgpack.NewEncoder(zw).Encode(res); err != nil {
		zw.Close()
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return zw.Close()
}

// ReadArchive reads a result written by WriteArchive.
func ReadArchive(r io.Reader) (*GuidanceResult, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()
	var res GuidanceResult
	if err := msgpack.NewDecoder(zr).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &res, nil
}

// ExportConfig configures the exporting of a result.
type ExportConfig struct {
	Filename  string
	Dir       string
	AsCSV     bool
	Archive   bool
	Timestamp bool
}

// IsUseless returns whether this config doesn't actually do anything.
func (c ExportConfig) IsUseless() bool {
	return !c.AsCSV && !c.Archive
}

func (c ExportConfig) path(ext string) string {
	name := c.Filename
	if c.Timestamp {
		t := time.Now()
		name = fmt.Sprintf("%s-%d-%02d-%02dT%02d.%02d.%02d", name, t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second())
	}
	return filepath.Join(c.Dir, "trajectory-"+name+ext)
}

// Export writes the files of the configuration and returns their paths.
func Export(conf ExportConfig, res *GuidanceResult) ([]string, error) {
	var paths []string
	write := func(ext string, fn func(io.Writer, *GuidanceResult) error) error {
		p := conf.path(ext)
		f, err := os.Create(p)
		if err != nil {
			return err
		}
		if err := fn(f, res); err != nil {
			f.Close()
			return err
		}
		paths = append(paths, p)
		return f.Close()
	}
	if conf.AsCSV {
		if err := write(".csv", ExportCSV); err != nil {
			return paths, err
		}
	}
	if conf.Archive {
		if err := write(".msgpack.zst", WriteArchive); err != nil {
			return paths, err
		}
	}
	return paths, nil
}
