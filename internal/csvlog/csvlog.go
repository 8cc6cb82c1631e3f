// Package csvlog writes every persisted sensor reading to a timestamped
// CSV file, grounded on
// cbackend/src/ui-wrapper/remote_ws.c:initialize_csv_logging and its
// inline fprintf/fflush calls in parse_sensor_data. No CSV library
// appears anywhere in the retrieved pack; encoding/csv is the stdlib
// tool for exactly this three-column format, so it is used directly
// rather than reached past (see DESIGN.md).
package csvlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Header is the fixed column header written as the first CSV row,
// matching the original's literal "timestamp,sensor_name,value\n".
var Header = []string{"timestamp", "sensor_name", "value"}

// Writer appends one CSV row per call and flushes immediately after
// every write, matching the original's fprintf+fflush-per-record
// durability (no buffering the original didn't have).
type Writer struct {
	w   *csv.Writer
	out io.Closer
}

// FileName builds the timestamped filename this package creates at
// startup, e.g. "sensor_log_20260305_143000.csv", matching
// initialize_csv_logging's strftime format string.
func FileName(now time.Time) string {
	return fmt.Sprintf("sensor_log_%s.csv", now.Format("20060102_150405"))
}

// Create opens a fresh CSV file named by FileName(now) in dir, writes
// the header row, and returns a Writer ready for Append calls.
func Create(dir string, now time.Time) (*Writer, error) {
	path := FileName(now)
	if dir != "" {
		path = dir + string(os.PathSeparator) + path
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csvlog: create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		f.Close()
		return nil, fmt.Errorf("csvlog: write header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{w: w, out: f}, nil
}

// Append writes one reading row and flushes, matching the original's
// per-record fflush so a crash never loses an already-logged reading.
func (w *Writer) Append(timestamp uint64, name string, value float64) error {
	row := []string{
		strconv.FormatUint(timestamp, 10),
		name,
		strconv.FormatFloat(value, 'f', 6, 64),
	}
	if err := w.w.Write(row); err != nil {
		return fmt.Errorf("csvlog: write row: %w", err)
	}
	w.w.Flush()
	return w.w.Error()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.w.Flush()
	return w.out.Close()
}
