package calendar

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlots(t *testing.T) {
	s, err := NewSlots(2011, 2012)
	require.NoError(t, err)
	assert.Equal(t, 365+366, s.Len(), "闰年贡献366个槽位")

	last := s.Date(s.Len() - 1)
	assert.Equal(t, "2012-12-31", last.Format("2006-01-02"))

	idx, ok := s.Index(time.Date(2012, 2, 29, 13, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "2012-02-29", s.Date(idx).Format("2006-01-02"))

	_, ok = s.Index(time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)

	_, err = NewSlots(2020, 2019)
	assert.Error(t, err)
}

func TestDaysInYear(t *testing.T) {
	assert.Equal(t, 366, DaysInYear(2000))
	assert.Equal(t, 365, DaysInYear(1900))
	assert.Equal(t, 366, DaysInYear(2024))
	assert.Equal(t, 365, DaysInYear(2023))
}

func TestFinder_FindEarliest(t *testing.T) {
	slots, err := NewSlots(2009, 2024)
	require.NoError(t, err)
	n := slots.Len()
	maxProbes := int(math.Ceil(math.Log2(float64(n)))) + 1

	targets := []int{0, 1, n / 3, n / 2, n - 2, n - 1}
	for _, x := range targets {
		want := slots.Date(x)
		t.Run(want.Format("2006-01-02"), func(t *testing.T) {
			markers := NewMemoryMarkers()
			calls := 0
			probe := func(ctx context.Context, day time.Time) (bool, error) {
				calls++
				return !day.Before(want), nil
			}

			f := NewFinder(slots, markers)
			got, err := f.FindEarliest(context.Background(), probe)
			require.NoError(t, err)
			assert.True(t, got.Equal(want), "got %s want %s", got, want)
			assert.LessOrEqual(t, calls, maxProbes)
			assert.Equal(t, calls, f.Probes())

			// 第二次使用相同标记, 不再探测
			calls = 0
			got, err = f.FindEarliest(context.Background(), probe)
			require.NoError(t, err)
			assert.True(t, got.Equal(want))
			assert.Equal(t, 0, calls)
			assert.Equal(t, 0, f.Probes())
		})
	}
}

func TestFinder_ProbeError(t *testing.T) {
	slots, _ := NewSlots(2020, 2020)
	markers := NewMemoryMarkers()
	boom := errors.New("banned")

	f := NewFinder(slots, markers)
	_, err := f.FindEarliest(context.Background(), func(ctx context.Context, day time.Time) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestFinder_Cancelled(t *testing.T) {
	slots, _ := NewSlots(2020, 2020)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewFinder(slots, NewMemoryMarkers())
	_, err := f.FindEarliest(ctx, func(ctx context.Context, day time.Time) (bool, error) {
		t.Fatal("取消后不应探测")
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
