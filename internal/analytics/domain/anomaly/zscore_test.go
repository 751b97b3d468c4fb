package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func baseline() []Sample {
	// population alternates 90/110: mean 100, stddev 10
	var samples []Sample
	for i := 0; i < 48; i++ {
		value := 90.0
		if i%2 == 1 {
			value = 110
		}
		samples = append(samples, Sample{At: now.Add(-time.Duration(2+i) * time.Hour), Value: value})
	}
	return samples
}

func defaultConfig() Config {
	return Config{
		MovingAverageWindow: 30 * time.Minute,
		PopulationWindow:    7 * 24 * time.Hour,
		ThresholdSigma:      2,
	}
}

func TestComputeZScoreKSigma(t *testing.T) {
	for _, k := range []float64{-3, -1.5, 0.5, 2.5, 4} {
		samples := append(baseline(),
			Sample{At: now.Add(-10 * time.Minute), Value: 100 + k*10},
			Sample{At: now.Add(-5 * time.Minute), Value: 100 + k*10},
		)
		res := ComputeZScore(samples, defaultConfig(), now)
		require.NotNil(t, res)
		require.InDelta(t, 100, res.PopulationMean, 1e-9)
		require.InDelta(t, 10, res.PopulationStdDev, 1e-9)
		require.InDelta(t, k, res.ZScore, 1e-9)
		require.Equal(t, math.Abs(k) > 2, res.IsAnomaly, "k=%v", k)
		require.Equal(t, 2, res.WindowCount)
		require.Equal(t, 48, res.PopulationCount)
	}
}

func TestComputeZScorePopulationExcludesWindow(t *testing.T) {
	samples := append(baseline(), Sample{At: now.Add(-time.Minute), Value: 500})
	res := ComputeZScore(samples, defaultConfig(), now)
	require.NotNil(t, res)
	require.Equal(t, 48, res.PopulationCount)
	require.InDelta(t, 100, res.PopulationMean, 1e-9)
}

func TestComputeZScoreEmptyWindows(t *testing.T) {
	require.Nil(t, ComputeZScore(nil, defaultConfig(), now))
	require.Nil(t, ComputeZScore(baseline(), defaultConfig(), now), "no samples in moving window")
	recentOnly := []Sample{{At: now.Add(-time.Minute), Value: 1}}
	require.Nil(t, ComputeZScore(recentOnly, defaultConfig(), now), "no population samples")
	tooOld := append([]Sample{{At: now.Add(-time.Minute), Value: 1}}, Sample{At: now.Add(-30 * 24 * time.Hour), Value: 3})
	require.Nil(t, ComputeZScore(tooOld, defaultConfig(), now))
}

func TestComputeZScoreFlatPopulation(t *testing.T) {
	samples := []Sample{
		{At: now.Add(-3 * time.Hour), Value: 5},
		{At: now.Add(-2 * time.Hour), Value: 5},
		{At: now.Add(-time.Minute), Value: 50},
	}
	res := ComputeZScore(samples, defaultConfig(), now)
	require.NotNil(t, res)
	require.Zero(t, res.ZScore)
	require.False(t, res.IsAnomaly)
}
