package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"modelsentry/internal/cache"
	apperrors "modelsentry/internal/errors"
	"modelsentry/internal/store"
	"modelsentry/types"
)

// Service computes threat analytics, per-model security scores, and rollup
// reports. Reports are cached in Redis briefly since the dashboard polls
// them.
type Service struct {
	store *store.Store
	cache *cache.Cache
	log   *logrus.Entry
}

// NewService creates the analytics service.
func NewService(st *store.Store, ca *cache.Cache, log *logrus.Entry) *Service {
	return &Service{store: st, cache: ca, log: log}
}

const reportCacheTTL = 5 * time.Minute

// ============================================================================
// THREAT ANALYTICS
// ============================================================================

// TemporalPattern is the hourly distribution of detections over the window.
type TemporalPattern struct {
	Hourly    [24]int `json:"hourly"`
	PeakHours []int   `json:"peak_hours"`
}

// ThreatAnalytics is the per-window threat breakdown.
type ThreatAnalytics struct {
	Window            string           `json:"window"`
	Total             int              `json:"total"`
	UniqueTypes       int              `json:"unique_types"`
	BySeverity        map[string]int   `json:"by_severity"`
	ByType            map[string]int   `json:"by_type"`
	ByModel           map[string]int   `json:"by_model"`
	AverageSeverity   float64          `json:"average_severity"`
	ResolutionRate    float64          `json:"resolution_rate"`
	FalsePositiveRate float64          `json:"false_positive_rate"`
	Trend             string           `json:"trend"`
	Temporal          *TemporalPattern `json:"temporal_pattern"`
}

// Threats analyzes an organization's threats over the window, optionally
// restricted to one severity.
func (s *Service) Threats(ctx context.Context, orgID string, window time.Duration, severity types.Severity) (*ThreatAnalytics, error) {
	if severity != "" && !severity.Valid() {
		return nil, apperrors.NewValidationError("unknown severity", map[string]interface{}{
			"severity": string(severity),
		})
	}
	if window <= 0 {
		window = 24 * time.Hour
	}

	now := time.Now().UTC()
	threats, err := s.store.ListThreatsBetween(ctx, orgID, now.Add(-window), now, severity)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to load threats", err)
	}

	out := &ThreatAnalytics{
		Window:     window.String(),
		Total:      len(threats),
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
		ByModel:    make(map[string]int),
		Temporal:   &TemporalPattern{},
	}

	var severitySum, resolved, falsePositives int
	for _, t := range threats {
		out.BySeverity[string(t.Severity)]++
		out.ByType[t.Type]++
		if t.ModelID != "" {
			out.ByModel[t.ModelID]++
		}
		out.Temporal.Hourly[t.DetectedAt.UTC().Hour()]++
		severitySum += t.Severity.Score()

		switch t.Status {
		case types.ThreatStatusResolved:
			resolved++
		case types.ThreatStatusFalsePositive:
			falsePositives++
		}
	}

	out.UniqueTypes = len(out.ByType)
	if out.Total > 0 {
		out.AverageSeverity = round2f(float64(severitySum) / float64(out.Total))
		out.ResolutionRate = round2f(float64(resolved+falsePositives) / float64(out.Total))
		out.FalsePositiveRate = round2f(float64(falsePositives) / float64(out.Total))
	}
	out.Temporal.PeakHours = peakHours(out.Temporal.Hourly)
	out.Trend = trendFor(out.Total)
	return out, nil
}

func round2f(v float64) float64 {
	return math.Round(v*100) / 100
}

// trendFor buckets a window's threat volume into a coarse trend label.
func trendFor(total int) string {
	switch {
	case total > 50:
		return "increasing"
	case total > 20:
		return "stable"
	default:
		return "decreasing"
	}
}

// peakHours returns up to three hours with the most detections, busiest
// first. Hours with no detections never count as peaks.
func peakHours(hourly [24]int) []int {
	type bucket struct{ hour, count int }
	buckets := make([]bucket, 0, 24)
	for h, c := range hourly {
		if c > 0 {
			buckets = append(buckets, bucket{h, c})
		}
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].count != buckets[j].count {
			return buckets[i].count > buckets[j].count
		}
		return buckets[i].hour < buckets[j].hour
	})

	peaks := make([]int, 0, 3)
	for i := 0; i < len(buckets) && i < 3; i++ {
		peaks = append(peaks, buckets[i].hour)
	}
	return peaks
}

// ============================================================================
// MODEL SECURITY SCORE
// ============================================================================

// ModelScore grades one model's security posture on a 0-100 scale.
type ModelScore struct {
	ModelID      string         `json:"model_id"`
	Score        int            `json:"score"`
	RiskLevel    string         `json:"risk_level"`
	ThreatCount  int64          `json:"threat_count"`
	BySeverity   map[string]int `json:"by_severity"`
	Interactions int64          `json:"interactions"`
}

// Severity penalties applied on top of the flat per-threat deduction.
var severityPenalty = map[string]int{
	string(types.SeverityCritical): 20,
	string(types.SeverityHigh):     15,
	string(types.SeverityMedium):   10,
	string(types.SeverityLow):      5,
}

const (
	perThreatPenalty         = 5
	interactionPenalty       = 10
	interactionPenaltyVolume = 1000
)

// ModelSecurityScore computes the security score for one model. The score
// starts at 100 and drops per threat, per severity, and for heavily used
// models.
func (s *Service) ModelSecurityScore(ctx context.Context, orgID, modelID string) (*ModelScore, error) {
	file, err := s.store.GetModelFile(ctx, orgID, modelID)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to load model file", err)
	}
	if file == nil {
		return nil, apperrors.NewNotFoundError("Model file")
	}

	cacheKey := fmt.Sprintf("analytics:score:%s:%s", orgID, modelID)
	var cached ModelScore
	if found, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && found {
		return &cached, nil
	}

	counts, err := s.store.CountModelThreatsBySeverity(ctx, orgID, modelID)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to aggregate threats", err)
	}

	interactions, err := s.store.CountModelActivity(ctx, orgID, modelID)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to count model activity", err)
	}

	score, threatCount := computeScore(counts, interactions)
	bySeverity := make(map[string]int, len(counts))
	for _, c := range counts {
		bySeverity[c.Severity] = int(c.Count)
	}

	out := &ModelScore{
		ModelID:      modelID,
		Score:        score,
		RiskLevel:    riskLevel(score),
		ThreatCount:  threatCount,
		BySeverity:   bySeverity,
		Interactions: interactions,
	}

	if err := s.cache.Set(ctx, cacheKey, out, reportCacheTTL); err != nil {
		s.log.WithError(err).Debug("Failed to cache model score")
	}
	return out, nil
}

// computeScore applies the scoring formula: 100 minus a flat deduction per
// threat, minus a per-severity penalty, minus a deduction for heavily used
// models, floored at zero.
func computeScore(counts []store.SeverityCount, interactions int64) (score int, threatCount int64) {
	score = 100
	for _, c := range counts {
		threatCount += c.Count
		score -= int(c.Count) * severityPenalty[c.Severity]
	}
	score -= int(threatCount) * perThreatPenalty
	if interactions > interactionPenaltyVolume {
		score -= interactionPenalty
	}
	if score < 0 {
		score = 0
	}
	return score, threatCount
}

// riskLevel buckets a 0-100 score into a label.
func riskLevel(score int) string {
	switch {
	case score >= 80:
		return "low"
	case score >= 60:
		return "medium"
	case score >= 40:
		return "high"
	default:
		return "critical"
	}
}

// ============================================================================
// REPORTS
// ============================================================================

// SummaryReport is the org-wide posture rollup.
type SummaryReport struct {
	PostureScore  int       `json:"posture_score"`
	RiskLevel     string    `json:"risk_level"`
	TotalThreats  int64     `json:"total_threats"`
	ActiveThreats int64     `json:"active_threats"`
	TotalModels   int64     `json:"total_models"`
	ActiveModels  int64     `json:"active_models"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Summary builds the org-wide summary report.
func (s *Service) Summary(ctx context.Context, orgID string) (*SummaryReport, error) {
	cacheKey := "analytics:summary:" + orgID
	var cached SummaryReport
	if found, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && found {
		return &cached, nil
	}

	totalThreats, activeThreats, err := s.store.CountThreatsByResolution(ctx, orgID)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to count threats", err)
	}
	totalModels, activeModels, err := s.store.CountModelFiles(ctx, orgID)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to count models", err)
	}

	posture := postureScore(activeThreats, activeModels)
	report := &SummaryReport{
		PostureScore:  posture,
		RiskLevel:     riskLevel(posture),
		TotalThreats:  totalThreats,
		ActiveThreats: activeThreats,
		TotalModels:   totalModels,
		ActiveModels:  activeModels,
		GeneratedAt:   time.Now().UTC(),
	}

	if err := s.cache.Set(ctx, cacheKey, report, reportCacheTTL); err != nil {
		s.log.WithError(err).Debug("Failed to cache summary report")
	}
	return report, nil
}

// postureScore grades the organization: 100 minus 5 per unresolved threat,
// normalized against fleet size so one threat across fifty models weighs less
// than one threat on a single model.
func postureScore(activeThreats, activeModels int64) int {
	if activeModels <= 0 {
		activeModels = 1
	}
	penalty := int(activeThreats * 5 / activeModels)
	if activeThreats > 0 && penalty == 0 {
		penalty = 5
	}
	score := 100 - penalty
	if score < 0 {
		score = 0
	}
	return score
}

// DetailedReport breaks threats down by type and severity over a window.
type DetailedReport struct {
	Window      string                  `json:"window"`
	Aggregates  []store.ThreatAggregate `json:"aggregates"`
	Analytics   *ThreatAnalytics        `json:"analytics"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// Detailed builds the per-type/per-severity breakdown report.
func (s *Service) Detailed(ctx context.Context, orgID string, window time.Duration) (*DetailedReport, error) {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}

	cacheKey := fmt.Sprintf("analytics:detailed:%s:%s", orgID, window)
	var cached DetailedReport
	if found, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && found {
		return &cached, nil
	}

	now := time.Now().UTC()
	aggs, err := s.store.AggregateThreats(ctx, orgID, now.Add(-window), now)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to aggregate threats", err)
	}

	analytics, err := s.Threats(ctx, orgID, window, "")
	if err != nil {
		return nil, err
	}

	report := &DetailedReport{
		Window:      window.String(),
		Aggregates:  aggs,
		Analytics:   analytics,
		GeneratedAt: now,
	}
	if err := s.cache.Set(ctx, cacheKey, report, reportCacheTTL); err != nil {
		s.log.WithError(err).Debug("Failed to cache detailed report")
	}
	return report, nil
}

// ExecutiveReport condenses posture into a few sentences for leadership.
type ExecutiveReport struct {
	PostureScore    int       `json:"posture_score"`
	RiskLevel       string    `json:"risk_level"`
	ThreatTrend     string    `json:"threat_trend"`
	ActiveThreats   int64     `json:"active_threats"`
	Recommendations []string  `json:"recommendations"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// Executive builds the leadership-facing report.
func (s *Service) Executive(ctx context.Context, orgID string) (*ExecutiveReport, error) {
	cacheKey := "analytics:executive:" + orgID
	var cached ExecutiveReport
	if found, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && found {
		return &cached, nil
	}

	summary, err := s.Summary(ctx, orgID)
	if err != nil {
		return nil, err
	}
	weekly, err := s.Threats(ctx, orgID, 7*24*time.Hour, "")
	if err != nil {
		return nil, err
	}

	report := &ExecutiveReport{
		PostureScore:    summary.PostureScore,
		RiskLevel:       summary.RiskLevel,
		ThreatTrend:     weekly.Trend,
		ActiveThreats:   summary.ActiveThreats,
		Recommendations: recommendations(summary, weekly),
		GeneratedAt:     time.Now().UTC(),
	}
	if err := s.cache.Set(ctx, cacheKey, report, reportCacheTTL); err != nil {
		s.log.WithError(err).Debug("Failed to cache executive report")
	}
	return report, nil
}

func recommendations(summary *SummaryReport, weekly *ThreatAnalytics) []string {
	var recs []string
	if summary.ActiveThreats > 0 {
		recs = append(recs, fmt.Sprintf("Triage the %d unresolved threats, starting with critical severity.", summary.ActiveThreats))
	}
	if weekly.BySeverity[string(types.SeverityCritical)] > 0 {
		recs = append(recs, "Critical threats were detected this week. Review affected models before further deployment.")
	}
	if weekly.Trend == "increasing" {
		recs = append(recs, "Threat volume is rising. Consider tightening upload policies and rescanning recent models.")
	}
	if len(recs) == 0 {
		recs = append(recs, "No active threats. Maintain the current scanning cadence.")
	}
	return recs
}

// SecurityMetrics is the operational snapshot used by the dashboard header.
type SecurityMetrics struct {
	TotalThreats  int64 `json:"total_threats"`
	ActiveThreats int64 `json:"active_threats"`
	ActiveModels  int64 `json:"active_models"`
	ActiveUsers   int64 `json:"active_users_24h"`
	TotalActions  int64 `json:"total_actions_24h"`
}

// Metrics builds the operational snapshot.
func (s *Service) Metrics(ctx context.Context, orgID string) (*SecurityMetrics, error) {
	totalThreats, activeThreats, err := s.store.CountThreatsByResolution(ctx, orgID)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to count threats", err)
	}
	_, activeModels, err := s.store.CountModelFiles(ctx, orgID)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to count models", err)
	}
	activeUsers, totalActions, err := s.store.AuditActivity(ctx, orgID, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to load audit activity", err)
	}

	return &SecurityMetrics{
		TotalThreats:  totalThreats,
		ActiveThreats: activeThreats,
		ActiveModels:  activeModels,
		ActiveUsers:   activeUsers,
		TotalActions:  totalActions,
	}, nil
}
