package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeverityFromConfidence(t *testing.T) {
	cases := []struct {
		confidence float64
		want       Severity
	}{
		{1.0, SeverityCritical},
		{0.9, SeverityCritical},
		{0.89, SeverityHigh},
		{0.75, SeverityHigh},
		{0.74, SeverityMedium},
		{0.5, SeverityMedium},
		{0.49, SeverityLow},
		{0, SeverityLow},
		// Out-of-range confidence clamps instead of misclassifying.
		{1.7, SeverityCritical},
		{-0.3, SeverityLow},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, SeverityFromConfidence(tc.confidence), "confidence %v", tc.confidence)
	}
}

func TestSeverityScore(t *testing.T) {
	assert.Equal(t, 4, SeverityCritical.Score())
	assert.Equal(t, 3, SeverityHigh.Score())
	assert.Equal(t, 2, SeverityMedium.Score())
	assert.Equal(t, 1, SeverityLow.Score())
}

func TestSeverityValid(t *testing.T) {
	assert.True(t, SeverityCritical.Valid())
	assert.True(t, SeverityLow.Valid())
	assert.False(t, Severity("catastrophic").Valid())
	assert.False(t, Severity("").Valid())
}

func TestThreatStatusTerminal(t *testing.T) {
	assert.False(t, ThreatStatusDetected.Terminal())
	assert.False(t, ThreatStatusInvestigating.Terminal())
	assert.True(t, ThreatStatusResolved.Terminal())
	assert.True(t, ThreatStatusFalsePositive.Terminal())
	assert.True(t, ThreatStatusSuppressed.Terminal())
}

func TestAPIKeyLifecycleChecks(t *testing.T) {
	now := time.Now().UTC()

	key := &APIKey{}
	assert.False(t, key.Revoked())
	assert.False(t, key.Expired(now))

	revokedAt := now.Add(-time.Minute)
	key.RevokedAt = &revokedAt
	assert.True(t, key.Revoked())

	future := now.Add(time.Hour)
	key = &APIKey{ExpiresAt: &future}
	assert.False(t, key.Expired(now))

	past := now.Add(-time.Hour)
	key.ExpiresAt = &past
	assert.True(t, key.Expired(now))
}
