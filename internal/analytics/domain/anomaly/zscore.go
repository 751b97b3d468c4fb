package anomaly

import (
	"math"
	"time"
)

// Sample is one time-stamped reading.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Config sizes the moving-average and population windows.
type Config struct {
	MovingAverageWindow time.Duration
	PopulationWindow    time.Duration
	ThresholdSigma      float64
}

// Result describes how far the recent mean sits from the historical baseline.
type Result struct {
	CurrentValue     float64 `json:"current_value"`
	PopulationMean   float64 `json:"population_mean"`
	PopulationStdDev float64 `json:"population_std_dev"`
	ZScore           float64 `json:"zscore"`
	IsAnomaly        bool    `json:"is_anomaly"`
	WindowCount      int     `json:"window_count"`
	PopulationCount  int     `json:"population_count"`
}

// ComputeZScore compares the mean of samples in [now-MA, now] with the
// population in [now-population, now-MA). The population window excludes the
// moving-average window. It returns nil when either window is empty.
func ComputeZScore(samples []Sample, cfg Config, now time.Time) *Result {
	windowStart := now.Add(-cfg.MovingAverageWindow)
	populationStart := now.Add(-cfg.PopulationWindow)

	var (
		windowSum  float64
		windowN    int
		population []float64
	)
	for _, s := range samples {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		switch {
		case !s.At.Before(windowStart) && !s.At.After(now):
			windowSum += s.Value
			windowN++
		case !s.At.Before(populationStart) && s.At.Before(windowStart):
			population = append(population, s.Value)
		}
	}
	if windowN == 0 || len(population) == 0 {
		return nil
	}

	mean, stddev := meanStdDev(population)
	current := windowSum / float64(windowN)
	z := 0.0
	if stddev > 0 {
		z = (current - mean) / stddev
	}
	return &Result{
		CurrentValue:     current,
		PopulationMean:   mean,
		PopulationStdDev: stddev,
		ZScore:           z,
		IsAnomaly:        math.Abs(z) > cfg.ThresholdSigma,
		WindowCount:      windowN,
		PopulationCount:  len(population),
	}
}

// meanStdDev returns the plain mean and population standard deviation.
func meanStdDev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
