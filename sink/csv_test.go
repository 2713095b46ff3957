package sink

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func TestCSVHeaderAndRows(t *testing.T) {
	logger := golog.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "data.csv")

	s, err := NewCSV(path, []string{"T1", "q1"}, false, logger)
	test.That(t, err, test.ShouldBeNil)

	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	test.That(t, s.WriteRow(when, []float64{20.5, math.NaN()}), test.ShouldBeNil)
	test.That(t, s.WriteRow(when.Add(time.Second), []float64{21, 5.5}), test.ShouldBeNil)
	test.That(t, s.Close(), test.ShouldBeNil)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	test.That(t, len(lines), test.ShouldEqual, 3)
	test.That(t, lines[0], test.ShouldEqual, "time,T1,q1")
	test.That(t, lines[1], test.ShouldEqual, "2024-05-01 12:00:00,20.5,NaN")
	test.That(t, lines[2], test.ShouldEqual, "2024-05-01 12:00:01,21,5.5")
}

func TestCSVRowArity(t *testing.T) {
	logger := golog.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "data.csv")

	s, err := NewCSV(path, []string{"T1", "q1"}, false, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, s.Close(), test.ShouldBeNil)
	}()

	err = s.WriteRow(time.Now(), []float64{1})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "does not match header")
}

func TestCSVRefusesExistingFile(t *testing.T) {
	logger := golog.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "data.csv")
	test.That(t, os.WriteFile(path, []byte("old run\n"), 0o644), test.ShouldBeNil)

	_, err := NewCSV(path, []string{"T1"}, false, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already exists")

	// With overwrite set the old contents are replaced by a fresh header.
	s, err := NewCSV(path, []string{"T1"}, true, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Close(), test.ShouldBeNil)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.TrimSpace(string(data)), test.ShouldEqual, "time,T1")
}
