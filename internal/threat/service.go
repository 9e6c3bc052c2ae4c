package threat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"modelsentry/internal/auth"
	"modelsentry/internal/config"
	apperrors "modelsentry/internal/errors"
	"modelsentry/internal/events"
	"modelsentry/internal/metrics"
	"modelsentry/internal/store"
	"modelsentry/types"
)

// AlertSink receives flushed alerts. Implemented by the notification hub.
type AlertSink interface {
	DeliverAlert(ctx context.Context, alert *types.ThreatAlert)
}

// AlertMirror persists the pending batch across restarts. *cache.Cache
// satisfies it; tests substitute a fake.
type AlertMirror interface {
	MirrorAlert(ctx context.Context, alert *types.ThreatAlert) error
	UnmirrorAlerts(ctx context.Context, keys []string) error
	PendingAlerts(ctx context.Context) ([]*types.ThreatAlert, error)
}

// Service turns scan findings into threat records and batches outgoing
// alerts. Repeated findings of the same (org, model, type) within one flush
// window collapse into a single alert; alerts flush in insertion order.
type Service struct {
	store    *store.Store
	cache    AlertMirror
	producer *events.Producer
	sink     AlertSink
	cfg      config.DetectionConfig
	log      *logrus.Entry

	mu      sync.Mutex
	pending *orderedmap.OrderedMap[string, *types.ThreatAlert]
}

// NewService creates the threat detection service. sink may be nil when no
// delivery channel is wired, in which case flushed alerts are only logged and
// published.
func NewService(st *store.Store, ca AlertMirror, producer *events.Producer, sink AlertSink, cfg config.DetectionConfig, log *logrus.Entry) *Service {
	return &Service{
		store:    st,
		cache:    ca,
		producer: producer,
		sink:     sink,
		cfg:      cfg,
		log:      log,
		pending:  orderedmap.New[string, *types.ThreatAlert](),
	}
}

// Run recovers alerts a previous process mirrored but never flushed, then
// flushes the batch on every tick until ctx is cancelled. A final flush runs
// on shutdown so pending alerts are not stranded until the next start.
func (s *Service) Run(ctx context.Context) {
	s.recoverMirroredAlerts(ctx)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	s.log.WithField("flush_interval", s.cfg.FlushInterval).Info("🚨 Threat alert batcher started")

	for {
		select {
		case <-ticker.C:
			s.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Flush(flushCtx)
			cancel()
			s.log.Info("🚨 Threat alert batcher stopped")
			return
		}
	}
}

// recoverMirroredAlerts loads the Redis mirror into the batch. Order within
// the mirror is lost across a crash; recovered alerts flush ahead of new ones
// on the next tick.
func (s *Service) recoverMirroredAlerts(ctx context.Context) {
	alerts, err := s.cache.PendingAlerts(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to recover mirrored alerts")
		return
	}
	if len(alerts) == 0 {
		return
	}

	s.mu.Lock()
	for _, alert := range alerts {
		s.pending.Set(alert.Key, alert)
	}
	s.mu.Unlock()

	s.log.WithField("count", len(alerts)).Info("🚨 Recovered pending alerts from previous run")
}

// RecordFinding persists a finding as a threat record, batches an alert for
// it, and evaluates the aggregate conditions.
func (s *Service) RecordFinding(ctx context.Context, orgID, modelID, scanID string, finding types.Finding) (*types.Threat, error) {
	if finding.Type == "" {
		return nil, apperrors.NewValidationError("finding type is required", nil)
	}

	now := time.Now().UTC()
	threat := &types.Threat{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		ModelID:        modelID,
		ScanID:         scanID,
		Type:           finding.Type,
		Severity:       types.SeverityFromConfidence(finding.Confidence),
		Confidence:     finding.Confidence,
		Description:    finding.Description,
		Status:         types.ThreatStatusDetected,
		DetectedAt:     now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateThreat(ctx, threat); err != nil {
		return nil, apperrors.NewInternalError("Failed to store threat", err)
	}

	metrics.ThreatsRecorded.WithLabelValues(threat.Type, string(threat.Severity)).Inc()

	s.producer.PublishSystem(ctx, events.ThreatDetectedEvent, orgID, map[string]interface{}{
		"threat_id":   threat.ID,
		"model_id":    modelID,
		"threat_type": threat.Type,
		"severity":    string(threat.Severity),
	})

	s.enqueueAlert(ctx, &types.ThreatAlert{
		Key:            alertKey(orgID, modelID, threat.Type),
		Kind:           types.AlertKindThreat,
		OrganizationID: orgID,
		ModelID:        modelID,
		ThreatType:     threat.Type,
		Severity:       threat.Severity,
		Count:          1,
		ThreatIDs:      []string{threat.ID},
		FirstSeen:      now,
		LastSeen:       now,
	})

	s.checkAggregates(ctx, orgID, threat)

	s.log.WithFields(logrus.Fields{
		"threat_id":   threat.ID,
		"threat_type": threat.Type,
		"severity":    threat.Severity,
		"model_id":    modelID,
	}).Info("🚨 Threat recorded")

	return threat, nil
}

// checkAggregates raises pattern and mass incident alerts when recent threat
// counts cross their thresholds.
func (s *Service) checkAggregates(ctx context.Context, orgID string, threat *types.Threat) {
	now := time.Now().UTC()

	byType, err := s.store.CountThreatsByTypeSince(ctx, orgID, threat.Type, now.Add(-s.cfg.PatternWindow))
	if err != nil {
		s.log.WithError(err).Warn("Pattern detection query failed")
	} else if byType >= s.cfg.PatternThreshold {
		s.enqueueAlert(ctx, &types.ThreatAlert{
			Key:            alertKey(orgID, "pattern", threat.Type),
			Kind:           types.AlertKindPattern,
			OrganizationID: orgID,
			ThreatType:     threat.Type,
			Severity:       types.SeverityHigh,
			Count:          int(byType),
			FirstSeen:      now,
			LastSeen:       now,
		})
	}

	total, err := s.store.CountThreatsSince(ctx, orgID, now.Add(-s.cfg.MassIncidentWindow))
	if err != nil {
		s.log.WithError(err).Warn("Mass incident query failed")
	} else if total >= s.cfg.MassIncidentThreshold {
		s.enqueueAlert(ctx, &types.ThreatAlert{
			Key:            alertKey(orgID, "mass_incident", ""),
			Kind:           types.AlertKindMassIncident,
			OrganizationID: orgID,
			ThreatType:     "mass_incident",
			Severity:       types.SeverityCritical,
			Count:          int(total),
			FirstSeen:      now,
			LastSeen:       now,
		})
	}
}

// enqueueAlert merges an alert into the pending batch and mirrors the merged
// state to Redis so a crash before the next flush loses nothing.
func (s *Service) enqueueAlert(ctx context.Context, alert *types.ThreatAlert) {
	s.mu.Lock()

	merged := alert
	if existing, ok := s.pending.Get(alert.Key); ok {
		if alert.Kind == types.AlertKindThreat {
			existing.Count += alert.Count
			existing.ThreatIDs = append(existing.ThreatIDs, alert.ThreatIDs...)
		} else {
			// Aggregate alerts carry the latest window count, not a sum.
			existing.Count = alert.Count
		}
		if alert.Severity.Score() > existing.Severity.Score() {
			existing.Severity = alert.Severity
		}
		existing.LastSeen = alert.LastSeen
		merged = existing
	} else {
		s.pending.Set(alert.Key, alert)
	}

	// Mirror while holding the lock. Concurrent merges for the same key must
	// persist in merge order, or crash recovery can resurrect a stale count.
	if err := s.cache.MirrorAlert(ctx, merged); err != nil {
		s.log.WithError(err).Warn("Failed to mirror pending alert")
	}

	overflow := s.cfg.MaxBatchSize > 0 && s.pending.Len() >= s.cfg.MaxBatchSize
	s.mu.Unlock()

	if overflow {
		s.Flush(ctx)
	}
}

// Flush delivers all pending alerts in insertion order and clears them from
// the Redis mirror.
func (s *Service) Flush(ctx context.Context) {
	s.mu.Lock()
	if s.pending.Len() == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = orderedmap.New[string, *types.ThreatAlert]()
	s.mu.Unlock()

	keys := make([]string, 0, batch.Len())
	for pair := batch.Oldest(); pair != nil; pair = pair.Next() {
		alert := pair.Value
		keys = append(keys, pair.Key)

		if s.sink != nil {
			s.sink.DeliverAlert(ctx, alert)
		}
		metrics.AlertsFlushed.WithLabelValues(string(alert.Kind)).Inc()

		s.producer.PublishSystem(ctx, events.AlertFlushedEvent, alert.OrganizationID, map[string]interface{}{
			"alert_key":   alert.Key,
			"kind":        string(alert.Kind),
			"threat_type": alert.ThreatType,
			"severity":    string(alert.Severity),
			"count":       alert.Count,
		})
	}

	if err := s.cache.UnmirrorAlerts(ctx, keys); err != nil {
		s.log.WithError(err).Warn("Failed to clear flushed alerts from mirror")
	}

	s.log.WithField("alerts", len(keys)).Info("🚨 Alert batch flushed")
}

// PendingCount returns the number of alerts waiting for the next flush.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// ============================================================================
// STATUS LIFECYCLE
// ============================================================================

// allowedTransitions is the threat status state machine. Terminal states
// admit no transitions.
var allowedTransitions = map[types.ThreatStatus][]types.ThreatStatus{
	types.ThreatStatusDetected: {
		types.ThreatStatusInvestigating,
		types.ThreatStatusResolved,
		types.ThreatStatusFalsePositive,
		types.ThreatStatusSuppressed,
	},
	types.ThreatStatusInvestigating: {
		types.ThreatStatusResolved,
		types.ThreatStatusFalsePositive,
		types.ThreatStatusSuppressed,
	},
}

// TransitionAllowed reports whether from can move to to.
func TransitionAllowed(from, to types.ThreatStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UpdateStatus moves a threat through its lifecycle. The database update is
// conditional on the current status, so two concurrent transitions cannot
// both succeed.
func (s *Service) UpdateStatus(ctx context.Context, session *auth.Session, threatID string, to types.ThreatStatus) (*types.Threat, error) {
	current, err := s.store.GetThreat(ctx, session.OrganizationID, threatID)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to load threat", err)
	}
	if current == nil {
		return nil, apperrors.NewNotFoundError("Threat")
	}

	if !TransitionAllowed(current.Status, to) {
		return nil, apperrors.NewConflictError(
			fmt.Sprintf("cannot move threat from %s to %s", current.Status, to))
	}

	ok, err := s.store.TransitionThreatStatus(ctx, session.OrganizationID, threatID, current.Status, to)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to update threat status", err)
	}
	if !ok {
		return nil, apperrors.NewConflictError("threat status changed concurrently")
	}

	if err := s.store.InsertAuditLog(ctx, store.AuditEntry{
		OrganizationID: session.OrganizationID,
		UserID:         session.UserID,
		Action:         "threat.status",
		Resource:       "threat",
		ResourceID:     threatID,
		Detail:         fmt.Sprintf("%s -> %s", current.Status, to),
	}); err != nil {
		s.log.WithError(err).Warn("Failed to write threat audit record")
	}

	s.producer.PublishUser(ctx, events.ThreatStatusChangeEvent, session.OrganizationID, session.UserID, map[string]interface{}{
		"threat_id": threatID,
		"from":      string(current.Status),
		"to":        string(to),
	})

	updated, err := s.store.GetThreat(ctx, session.OrganizationID, threatID)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to reload threat", err)
	}
	return updated, nil
}

// Get returns a threat by ID.
func (s *Service) Get(ctx context.Context, orgID, id string) (*types.Threat, error) {
	threat, err := s.store.GetThreat(ctx, orgID, id)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to load threat", err)
	}
	if threat == nil {
		return nil, apperrors.NewNotFoundError("Threat")
	}
	return threat, nil
}

// List returns a filtered page of threats plus the total count.
func (s *Service) List(ctx context.Context, f store.ThreatFilter) ([]*types.Threat, int64, error) {
	threats, total, err := s.store.ListThreats(ctx, f)
	if err != nil {
		return nil, 0, apperrors.NewInternalError("Failed to list threats", err)
	}
	return threats, total, nil
}

func alertKey(orgID, modelID, threatType string) string {
	return orgID + "|" + modelID + "|" + threatType
}
