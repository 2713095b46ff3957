// Package sink persists merged rows: a durable CSV log plus optional live
// sinks (InfluxDB points, MQTT snapshots).
package sink

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// timestampLayout is the human-readable first column of every row.
const timestampLayout = "2006-01-02 15:04:05"

// CSV appends one comma-separated row per window to a durable log. The
// header is written exactly once at construction and every append is flushed
// and synced before returning, so a crash never loses acknowledged rows.
type CSV struct {
	path   string
	labels []string
	file   *os.File
	writer *csv.Writer
	logger golog.Logger
}

// NewCSV creates the log file and writes the header row. An existing file at
// path is rejected unless overwrite is set; silent clobbering of a previous
// run's data is never acceptable.
func NewCSV(path string, labels []string, overwrite bool, logger golog.Logger) (*CSV, error) {
	if _, err := os.Stat(path); err == nil {
		if !overwrite {
			return nil, errors.Errorf("data file %q already exists; set overwrite to replace it", path)
		}
		logger.Warnw("overwriting existing data file", "path", path)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "cannot stat %q", path)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create data file %q", path)
	}
	s := &CSV{
		path:   path,
		labels: append([]string{}, labels...),
		file:   file,
		writer: csv.NewWriter(file),
		logger: logger,
	}
	header := append([]string{"time"}, s.labels...)
	if err := s.writer.Write(header); err != nil {
		return nil, multiCloseErr(file, errors.Wrap(err, "cannot write header"))
	}
	if err := s.flush(); err != nil {
		return nil, multiCloseErr(file, err)
	}
	return s, nil
}

func multiCloseErr(file *os.File, err error) error {
	if closeErr := file.Close(); closeErr != nil {
		return errors.Wrapf(err, "additionally failed to close file: %v", closeErr)
	}
	return err
}

// WriteRow appends one row keyed by the window boundary t. NaN values are
// serialized as the literal NaN token.
func (s *CSV) WriteRow(t time.Time, row []float64) error {
	if len(row) != len(s.labels) {
		return errors.Errorf("row length %d does not match header length %d", len(row), len(s.labels))
	}
	record := make([]string, 0, len(row)+1)
	record = append(record, t.Format(timestampLayout))
	for _, v := range row {
		record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
	}
	if err := s.writer.Write(record); err != nil {
		return errors.Wrap(err, "cannot write row")
	}
	return s.flush()
}

// flush pushes buffered rows through to durable storage.
func (s *CSV) flush() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return errors.Wrap(err, "csv flush failed")
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrapf(err, "cannot sync %q", s.path)
	}
	return nil
}

// Close flushes and closes the log file.
func (s *CSV) Close() error {
	if err := s.flush(); err != nil {
		if closeErr := s.file.Close(); closeErr != nil {
			s.logger.Errorw("error closing data file", "path", s.path, "error", closeErr)
		}
		return err
	}
	return s.file.Close()
}
