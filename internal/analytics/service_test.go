package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"modelsentry/internal/store"
	"modelsentry/types"
)

func TestComputeScore(t *testing.T) {
	cases := []struct {
		name         string
		counts       []store.SeverityCount
		interactions int64
		wantScore    int
		wantThreats  int64
	}{
		{
			name:      "clean model",
			wantScore: 100,
		},
		{
			name: "one critical threat",
			counts: []store.SeverityCount{
				{Severity: string(types.SeverityCritical), Count: 1},
			},
			wantScore:   75, // 100 - 20 severity - 5 flat
			wantThreats: 1,
		},
		{
			name: "mixed severities",
			counts: []store.SeverityCount{
				{Severity: string(types.SeverityHigh), Count: 2},
				{Severity: string(types.SeverityLow), Count: 1},
			},
			wantScore:   50, // 100 - 30 - 5 - 15 flat
			wantThreats: 3,
		},
		{
			name: "heavy interaction volume",
			counts: []store.SeverityCount{
				{Severity: string(types.SeverityMedium), Count: 1},
			},
			interactions: 1500,
			wantScore:    75, // 100 - 10 - 5 - 10 interactions
			wantThreats:  1,
		},
		{
			name: "score floors at zero",
			counts: []store.SeverityCount{
				{Severity: string(types.SeverityCritical), Count: 10},
			},
			wantScore:   0,
			wantThreats: 10,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, threats := computeScore(tc.counts, tc.interactions)
			assert.Equal(t, tc.wantScore, score)
			assert.Equal(t, tc.wantThreats, threats)
		})
	}
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, "low", riskLevel(100))
	assert.Equal(t, "low", riskLevel(80))
	assert.Equal(t, "medium", riskLevel(79))
	assert.Equal(t, "medium", riskLevel(60))
	assert.Equal(t, "high", riskLevel(59))
	assert.Equal(t, "high", riskLevel(40))
	assert.Equal(t, "critical", riskLevel(39))
	assert.Equal(t, "critical", riskLevel(0))
}

func TestTrendFor(t *testing.T) {
	assert.Equal(t, "increasing", trendFor(51))
	assert.Equal(t, "stable", trendFor(50))
	assert.Equal(t, "stable", trendFor(21))
	assert.Equal(t, "decreasing", trendFor(20))
	assert.Equal(t, "decreasing", trendFor(0))
}

func TestPeakHours(t *testing.T) {
	var hourly [24]int
	hourly[3] = 5
	hourly[14] = 9
	hourly[22] = 7
	hourly[8] = 1

	assert.Equal(t, []int{14, 22, 3}, peakHours(hourly))
}

func TestPeakHoursIgnoresEmptyHours(t *testing.T) {
	var hourly [24]int
	hourly[10] = 2

	assert.Equal(t, []int{10}, peakHours(hourly))
	assert.Empty(t, peakHours([24]int{}))
}

func TestPostureScore(t *testing.T) {
	assert.Equal(t, 100, postureScore(0, 10))
	// One active threat always costs at least one bucket.
	assert.Equal(t, 95, postureScore(1, 50))
	assert.Equal(t, 90, postureScore(10, 5))
	assert.Equal(t, 0, postureScore(1000, 1))
	// Zero models does not divide by zero.
	assert.Equal(t, 95, postureScore(1, 0))
}
