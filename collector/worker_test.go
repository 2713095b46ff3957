package collector

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/heatlab/thermacq/device"
	"github.com/heatlab/thermacq/device/fake"
)

func fastFake(t *testing.T, header ...string) *fake.Device {
	t.Helper()
	dev, err := fake.New("", &fake.Config{Header: header, SamplingTime: 0.001}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return dev
}

func TestWorkerForwardsReadings(t *testing.T) {
	dev := fastFake(t, "T1", "T2")
	w := NewWorker(dev, golog.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	test.That(t, w.Alive(), test.ShouldBeTrue)

	r := <-w.Readings()
	test.That(t, len(r.Values), test.ShouldEqual, 2)
	test.That(t, r.Time.IsZero(), test.ShouldBeFalse)

	cancel()
	w.Wait()
	test.That(t, w.Alive(), test.ShouldBeFalse)
}

func TestWorkerSkipsNoData(t *testing.T) {
	dev := fastFake(t, "T1")
	calls := 0
	dev.ReadFunc = func(ctx context.Context) ([]float64, error) {
		calls++
		if calls%2 == 1 {
			return nil, device.ErrNoData
		}
		return []float64{float64(calls)}, nil
	}
	w := NewWorker(dev, golog.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	// Only the even calls produce readings; no-data cycles leave no trace.
	r1 := <-w.Readings()
	r2 := <-w.Readings()
	test.That(t, r1.Values, test.ShouldResemble, []float64{2})
	test.That(t, r2.Values, test.ShouldResemble, []float64{4})
	test.That(t, w.Alive(), test.ShouldBeTrue)
}

func TestWorkerSurvivesTransientErrors(t *testing.T) {
	dev := fastFake(t, "T1")
	calls := 0
	dev.ReadFunc = func(ctx context.Context) ([]float64, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("garbled line")
		}
		return []float64{1.5}, nil
	}
	w := NewWorker(dev, golog.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	r := <-w.Readings()
	test.That(t, r.Values, test.ShouldResemble, []float64{1.5})
	test.That(t, w.Alive(), test.ShouldBeTrue)
}

func TestWorkerDiesOnFatalFault(t *testing.T) {
	dev := fastFake(t, "T1")
	dev.ReadFunc = func(ctx context.Context) ([]float64, error) {
		return nil, device.Fatalf("link closed")
	}
	w := NewWorker(dev, golog.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, w.Alive(), test.ShouldBeFalse)
	})
}

func TestWorkerDropsOldestWhenChannelFull(t *testing.T) {
	dev := fastFake(t, "T1")
	w := NewWorker(dev, golog.NewTestLogger(t))
	for i := 0; i < handoffBuffer; i++ {
		w.out <- Reading{Time: time.Now(), Values: []float64{float64(i)}}
	}

	calls := atomic.NewInt32(0)
	dev.ReadFunc = func(ctx context.Context) ([]float64, error) {
		if calls.Inc() == 1 {
			return []float64{999}, nil
		}
		return nil, device.ErrNoData
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, calls.Load(), test.ShouldBeGreaterThanOrEqualTo, 2)
	})
	cancel()
	w.Wait()

	var drained []Reading
drain:
	for {
		select {
		case r := <-w.out:
			drained = append(drained, r)
		default:
			break drain
		}
	}
	// The oldest backlog entry made room for the fresh sample.
	test.That(t, len(drained), test.ShouldEqual, handoffBuffer)
	test.That(t, drained[0].Values, test.ShouldResemble, []float64{1})
	test.That(t, drained[len(drained)-1].Values, test.ShouldResemble, []float64{999})
}

func TestWorkerReadingsAreTimestampOrdered(t *testing.T) {
	dev := fastFake(t, "T1")
	w := NewWorker(dev, golog.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	var prev time.Time
	for i := 0; i < 5; i++ {
		r := <-w.Readings()
		test.That(t, r.Time.Before(prev), test.ShouldBeFalse)
		prev = r.Time
	}
}
