package monitoring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeriesEvictsOldestBeyondCapacity(t *testing.T) {
	s := NewSeries(3)
	for i := 0; i < 5; i++ {
		s.Append(Point{Timestamp: int64(i), Value: float64(i)})
	}
	require.Equal(t, 3, s.Len())
	snap := s.Snapshot()
	require.Equal(t, float64(2), snap[0].Value)
	require.Equal(t, float64(4), snap[2].Value)
}

func TestSeriesLatest(t *testing.T) {
	s := NewSeries(10)
	_, ok := s.Latest()
	require.False(t, ok)

	s.Append(Point{Timestamp: 1, Value: 1})
	s.Append(Point{Timestamp: 2, Value: 2})
	p, ok := s.Latest()
	require.True(t, ok)
	require.Equal(t, float64(2), p.Value)
}

func TestSeriesPruneBefore(t *testing.T) {
	s := NewSeries(10)
	for i := int64(1); i <= 5; i++ {
		s.Append(Point{Timestamp: i * 1000})
	}
	s.PruneBefore(3500)
	require.Equal(t, 2, s.Len())
}
