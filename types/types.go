package types

import "time"

// ============================================================================
// SEVERITY
// ============================================================================

// Severity classifies how dangerous a threat is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityFromConfidence maps a detector confidence score onto a severity.
// Confidence outside [0,1] is clamped first.
func SeverityFromConfidence(confidence float64) Severity {
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	switch {
	case confidence >= 0.9:
		return SeverityCritical
	case confidence >= 0.75:
		return SeverityHigh
	case confidence >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Score returns the numeric weight used by analytics (critical=4 .. low=1).
func (s Severity) Score() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ============================================================================
// THREATS
// ============================================================================

// ThreatStatus is the lifecycle state of a threat record.
type ThreatStatus string

const (
	ThreatStatusDetected      ThreatStatus = "detected"
	ThreatStatusInvestigating ThreatStatus = "investigating"
	ThreatStatusResolved      ThreatStatus = "resolved"
	ThreatStatusFalsePositive ThreatStatus = "false_positive"
	ThreatStatusSuppressed    ThreatStatus = "suppressed"
)

// Terminal reports whether the status admits no further transitions.
func (s ThreatStatus) Terminal() bool {
	switch s {
	case ThreatStatusResolved, ThreatStatusFalsePositive, ThreatStatusSuppressed:
		return true
	}
	return false
}

// Threat is a stored threat record produced from a scan finding.
type Threat struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	ModelID        string       `json:"model_id"`
	ScanID         string       `json:"scan_id,omitempty"`
	Type           string       `json:"threat_type"`
	Severity       Severity     `json:"severity"`
	Confidence     float64      `json:"confidence"`
	Description    string       `json:"description"`
	Status         ThreatStatus `json:"status"`
	DetectedAt     time.Time    `json:"detected_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

// Finding is a single detector hit inside a scanned model file.
type Finding struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Confidence  float64                `json:"confidence"`
	Location    string                 `json:"location,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ============================================================================
// ALERTS
// ============================================================================

// AlertKind distinguishes plain threat alerts from aggregate conditions.
type AlertKind string

const (
	AlertKindThreat       AlertKind = "threat"
	AlertKindPattern      AlertKind = "pattern"
	AlertKindMassIncident AlertKind = "mass_incident"
)

// ThreatAlert is a deduplicated, batched outgoing alert. Repeated findings of
// the same (org, model, type) within one flush window collapse into a single
// alert with an increasing Count.
type ThreatAlert struct {
	Key            string    `json:"key"`
	Kind           AlertKind `json:"kind"`
	OrganizationID string    `json:"organization_id"`
	ModelID        string    `json:"model_id,omitempty"`
	ThreatType     string    `json:"threat_type"`
	Severity       Severity  `json:"severity"`
	Count          int       `json:"count"`
	ThreatIDs      []string  `json:"threat_ids,omitempty"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// ============================================================================
// SCANS
// ============================================================================

// ScanStatus is the lifecycle state of a scan job.
type ScanStatus string

const (
	ScanStatusQueued    ScanStatus = "queued"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// ScanJob is a queued or executed scan of an uploaded model file.
type ScanJob struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	ModelFileID    string     `json:"model_file_id"`
	Status         ScanStatus `json:"status"`
	FindingCount   int        `json:"finding_count"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ============================================================================
// MODEL FILES
// ============================================================================

// ModelFile is the metadata of an uploaded AI model artifact.
type ModelFile struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Format         string    `json:"format"`
	SizeBytes      int64     `json:"size_bytes"`
	SHA256         string    `json:"sha256"`
	StoragePath    string    `json:"storage_path"`
	UploadedBy     string    `json:"uploaded_by"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// ============================================================================
// API KEYS
// ============================================================================

// APIKey is a stored API key. Only the SHA-256 hash of the secret persists;
// the plaintext is returned exactly once at creation time.
type APIKey struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	Prefix         string     `json:"prefix"`
	KeyHash        string     `json:"-"`
	Scopes         []string   `json:"scopes"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// Expired reports whether the key has passed its expiry, if one is set.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

// Notification is a message pushed to a user over the notification hub, or
// parked in the cache while the user is offline.
type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Severity  Severity               `json:"severity"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
