package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"modelsentry/internal/config"
	"modelsentry/types"
)

// Store wraps the MySQL database behind the query methods the services need.
type Store struct {
	db *gorm.DB
}

// Open connects to MySQL and optionally migrates the schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{db: db}
	if cfg.AutoMigrate {
		if err := s.Migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB) *Store { return &Store{db: db} }

// Migrate creates or updates all tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&threatRow{},
		&scanRow{},
		&modelFileRow{},
		&apiKeyRow{},
		&auditLogRow{},
	)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ============================================================================
// THREATS
// ============================================================================

// CreateThreat inserts a new threat record.
func (s *Store) CreateThreat(ctx context.Context, t *types.Threat) error {
	row := threatRowFrom(t)
	return s.db.WithContext(ctx).Create(row).Error
}

// GetThreat loads a threat by ID, scoped to the organization.
func (s *Store) GetThreat(ctx context.Context, orgID, id string) (*types.Threat, error) {
	var row threatRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, orgID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toThreat(), nil
}

// ThreatFilter narrows ListThreats.
type ThreatFilter struct {
	OrganizationID string
	ModelID        string
	Severity       types.Severity
	Status         types.ThreatStatus
	Limit          int
	Offset         int
}

// ListThreats returns a page of threats, newest first, plus the total count.
func (s *Store) ListThreats(ctx context.Context, f ThreatFilter) ([]*types.Threat, int64, error) {
	q := s.db.WithContext(ctx).Model(&threatRow{}).
		Where("organization_id = ?", f.OrganizationID)
	if f.ModelID != "" {
		q = q.Where("model_id = ?", f.ModelID)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", string(f.Severity))
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows []threatRow
	if err := q.Order("detected_at DESC").Limit(limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	threats := make([]*types.Threat, 0, len(rows))
	for i := range rows {
		threats = append(threats, rows[i].toThreat())
	}
	return threats, total, nil
}

// TransitionThreatStatus moves a threat from one status to another with an
// optimistic WHERE on the current status. It returns false when the threat was
// not in the expected status (raced or terminal).
func (s *Store) TransitionThreatStatus(ctx context.Context, orgID, id string, from, to types.ThreatStatus) (bool, error) {
	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Now().UTC(),
	}
	if to == types.ThreatStatusResolved || to == types.ThreatStatusFalsePositive {
		now := time.Now().UTC()
		updates["resolved_at"] = &now
	}

	res := s.db.WithContext(ctx).Model(&threatRow{}).
		Where("id = ? AND organization_id = ? AND status = ?", id, orgID, string(from)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CountThreatsByTypeSince counts threats of one type for an org in a window.
// Used by pattern detection.
func (s *Store) CountThreatsByTypeSince(ctx context.Context, orgID, threatType string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&threatRow{}).
		Where("organization_id = ? AND threat_type = ? AND detected_at >= ?", orgID, threatType, since).
		Count(&n).Error
	return n, err
}

// CountThreatsSince counts all threats for an org in a window. Used by mass
// incident detection.
func (s *Store) CountThreatsSince(ctx context.Context, orgID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&threatRow{}).
		Where("organization_id = ? AND detected_at >= ?", orgID, since).
		Count(&n).Error
	return n, err
}

// ListThreatsBetween returns all threats for an org in [since, until],
// optionally restricted to one severity. Analytics walks the full window.
func (s *Store) ListThreatsBetween(ctx context.Context, orgID string, since, until time.Time, severity types.Severity) ([]*types.Threat, error) {
	q := s.db.WithContext(ctx).Model(&threatRow{}).
		Where("organization_id = ? AND detected_at BETWEEN ? AND ?", orgID, since, until)
	if severity != "" {
		q = q.Where("severity = ?", string(severity))
	}

	var rows []threatRow
	if err := q.Order("detected_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	threats := make([]*types.Threat, 0, len(rows))
	for i := range rows {
		threats = append(threats, rows[i].toThreat())
	}
	return threats, nil
}

// ThreatAggregate is one row of the per-type/per-severity rollup.
type ThreatAggregate struct {
	ThreatType string `json:"threat_type"`
	Severity   string `json:"severity"`
	Count      int64  `json:"count"`
	Resolved   int64  `json:"resolved"`
}

// AggregateThreats groups threats by type and severity over a window and
// counts how many reached a resolved state.
func (s *Store) AggregateThreats(ctx context.Context, orgID string, since, until time.Time) ([]ThreatAggregate, error) {
	var aggs []ThreatAggregate
	err := s.db.WithContext(ctx).Model(&threatRow{}).
		Select("threat_type, severity, COUNT(*) AS count, SUM(CASE WHEN status IN ('resolved', 'false_positive') THEN 1 ELSE 0 END) AS resolved").
		Where("organization_id = ? AND detected_at BETWEEN ? AND ?", orgID, since, until).
		Group("threat_type, severity").
		Scan(&aggs).Error
	return aggs, err
}

// SeverityCount is one row of a per-severity rollup.
type SeverityCount struct {
	Severity string `json:"severity"`
	Count    int64  `json:"count"`
}

// CountModelThreatsBySeverity groups one model's threats by severity.
func (s *Store) CountModelThreatsBySeverity(ctx context.Context, orgID, modelID string) ([]SeverityCount, error) {
	var counts []SeverityCount
	err := s.db.WithContext(ctx).Model(&threatRow{}).
		Select("severity, COUNT(*) AS count").
		Where("organization_id = ? AND model_id = ?", orgID, modelID).
		Group("severity").
		Scan(&counts).Error
	return counts, err
}

// CountThreatsByResolution returns total and unresolved threat counts for an
// org. Used by the security metrics endpoint.
func (s *Store) CountThreatsByResolution(ctx context.Context, orgID string) (total, active int64, err error) {
	if err = s.db.WithContext(ctx).Model(&threatRow{}).
		Where("organization_id = ?", orgID).
		Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = s.db.WithContext(ctx).Model(&threatRow{}).
		Where("organization_id = ? AND status IN ?", orgID,
			[]string{string(types.ThreatStatusDetected), string(types.ThreatStatusInvestigating)}).
		Count(&active).Error
	return total, active, err
}

// ============================================================================
// SCANS
// ============================================================================

// EnqueueScan inserts a queued scan job.
func (s *Store) EnqueueScan(ctx context.Context, job *types.ScanJob) error {
	return s.db.WithContext(ctx).Create(scanRowFrom(job)).Error
}

// GetScan loads a scan by ID scoped to the organization.
func (s *Store) GetScan(ctx context.Context, orgID, id string) (*types.ScanJob, error) {
	var row scanRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, orgID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toScanJob(), nil
}

// ListScans returns a page of scans for an org, newest first.
func (s *Store) ListScans(ctx context.Context, orgID string, limit, offset int) ([]*types.ScanJob, int64, error) {
	q := s.db.WithContext(ctx).Model(&scanRow{}).Where("organization_id = ?", orgID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows []scanRow
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	jobs := make([]*types.ScanJob, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toScanJob())
	}
	return jobs, total, nil
}

// ClaimNextQueuedScan picks the oldest queued scan and moves it to running
// with an optimistic UPDATE, so concurrent workers never claim the same job.
// Returns nil when the queue is empty.
func (s *Store) ClaimNextQueuedScan(ctx context.Context) (*types.ScanJob, error) {
	var row scanRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(types.ScanStatusQueued)).
		Order("created_at ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&scanRow{}).
		Where("id = ? AND status = ?", row.ID, string(types.ScanStatusQueued)).
		Updates(map[string]interface{}{
			"status":     string(types.ScanStatusRunning),
			"started_at": &now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Another worker claimed it first.
		return nil, nil
	}

	row.Status = string(types.ScanStatusRunning)
	row.StartedAt = &now
	return row.toScanJob(), nil
}

// CountRunningScans counts scans currently in the running state.
func (s *Store) CountRunningScans(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&scanRow{}).
		Where("status = ?", string(types.ScanStatusRunning)).
		Count(&n).Error
	return n, err
}

// CompleteScan marks a running scan completed.
func (s *Store) CompleteScan(ctx context.Context, id string, findingCount int) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&scanRow{}).
		Where("id = ? AND status = ?", id, string(types.ScanStatusRunning)).
		Updates(map[string]interface{}{
			"status":        string(types.ScanStatusCompleted),
			"finding_count": findingCount,
			"completed_at":  &now,
		}).Error
}

// FailScan marks a running scan failed with an error message.
func (s *Store) FailScan(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&scanRow{}).
		Where("id = ? AND status = ?", id, string(types.ScanStatusRunning)).
		Updates(map[string]interface{}{
			"status":       string(types.ScanStatusFailed),
			"error":        errMsg,
			"completed_at": &now,
		}).Error
}

// CancelQueuedScans cancels all still-queued scans of a model file. Used when
// the file is deleted.
func (s *Store) CancelQueuedScans(ctx context.Context, modelFileID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&scanRow{}).
		Where("model_file_id = ? AND status = ?", modelFileID, string(types.ScanStatusQueued)).
		Updates(map[string]interface{}{
			"status":       string(types.ScanStatusCancelled),
			"completed_at": &now,
		}).Error
}

// ============================================================================
// MODEL FILES
// ============================================================================

// CreateModelFile inserts an uploaded model file record.
func (s *Store) CreateModelFile(ctx context.Context, f *types.ModelFile) error {
	return s.db.WithContext(ctx).Create(modelFileRowFrom(f)).Error
}

// GetModelFile loads a model file by ID scoped to the organization.
func (s *Store) GetModelFile(ctx context.Context, orgID, id string) (*types.ModelFile, error) {
	var row modelFileRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, orgID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModelFile(), nil
}

// GetModelFileByID loads a model file regardless of organization. The scan
// worker uses it when executing claimed jobs.
func (s *Store) GetModelFileByID(ctx context.Context, id string) (*types.ModelFile, error) {
	var row modelFileRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModelFile(), nil
}

// FindModelFileByHash returns an active model file with the given content
// hash, for duplicate detection.
func (s *Store) FindModelFileByHash(ctx context.Context, orgID, sha256 string) (*types.ModelFile, error) {
	var row modelFileRow
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND sha256 = ? AND active = ?", orgID, sha256, true).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModelFile(), nil
}

// ListModelFiles returns a page of active model files for an org.
func (s *Store) ListModelFiles(ctx context.Context, orgID string, limit, offset int) ([]*types.ModelFile, int64, error) {
	q := s.db.WithContext(ctx).Model(&modelFileRow{}).
		Where("organization_id = ? AND active = ?", orgID, true)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows []modelFileRow
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	files := make([]*types.ModelFile, 0, len(rows))
	for i := range rows {
		files = append(files, rows[i].toModelFile())
	}
	return files, total, nil
}

// DeactivateModelFile soft-deletes a model file.
func (s *Store) DeactivateModelFile(ctx context.Context, orgID, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&modelFileRow{}).
		Where("id = ? AND organization_id = ? AND active = ?", id, orgID, true).
		Update("active", false)
	return res.RowsAffected == 1, res.Error
}

// CountModelFiles returns total and active model counts for an org.
func (s *Store) CountModelFiles(ctx context.Context, orgID string) (total, active int64, err error) {
	if err = s.db.WithContext(ctx).Model(&modelFileRow{}).
		Where("organization_id = ?", orgID).
		Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = s.db.WithContext(ctx).Model(&modelFileRow{}).
		Where("organization_id = ? AND active = ?", orgID, true).
		Count(&active).Error
	return total, active, err
}

// ============================================================================
// API KEYS
// ============================================================================

// CreateAPIKey inserts a new API key record.
func (s *Store) CreateAPIKey(ctx context.Context, k *types.APIKey) error {
	return s.db.WithContext(ctx).Create(apiKeyRowFrom(k)).Error
}

// GetAPIKeyByHash looks an API key up by its secret hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*types.APIKey, error) {
	var row apiKeyRow
	err := s.db.WithContext(ctx).Where("key_hash = ?", keyHash).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toAPIKey(), nil
}

// GetAPIKey looks an API key up by ID within an organization.
func (s *Store) GetAPIKey(ctx context.Context, orgID, id string) (*types.APIKey, error) {
	var row apiKeyRow
	err := s.db.WithContext(ctx).Where("id = ? AND organization_id = ?", id, orgID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toAPIKey(), nil
}

// ListAPIKeys returns a page of keys for an org, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, orgID string, limit, offset int) ([]*types.APIKey, int64, error) {
	q := s.db.WithContext(ctx).Model(&apiKeyRow{}).Where("organization_id = ?", orgID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows []apiKeyRow
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	keys := make([]*types.APIKey, 0, len(rows))
	for i := range rows {
		keys = append(keys, rows[i].toAPIKey())
	}
	return keys, total, nil
}

// RevokeAPIKey marks a key revoked. Returns false when the key does not exist
// or is already revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, orgID, id string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&apiKeyRow{}).
		Where("id = ? AND organization_id = ? AND revoked_at IS NULL", id, orgID).
		Update("revoked_at", &now)
	return res.RowsAffected == 1, res.Error
}

// TouchAPIKey updates the last-used timestamp.
func (s *Store) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&apiKeyRow{}).
		Where("id = ?", id).
		Update("last_used_at", &usedAt).Error
}

// ============================================================================
// AUDIT LOGS
// ============================================================================

// AuditEntry is a single audit trail record.
type AuditEntry struct {
	OrganizationID string
	UserID         string
	Action         string
	Resource       string
	ResourceID     string
	Detail         string
}

// InsertAuditLog appends an audit trail record.
func (s *Store) InsertAuditLog(ctx context.Context, e AuditEntry) error {
	return s.db.WithContext(ctx).Create(&auditLogRow{
		OrganizationID: e.OrganizationID,
		UserID:         e.UserID,
		Action:         e.Action,
		Resource:       e.Resource,
		ResourceID:     e.ResourceID,
		Detail:         e.Detail,
		CreatedAt:      time.Now().UTC(),
	}).Error
}

// AuditActivity returns distinct active users and total actions in a window.
func (s *Store) AuditActivity(ctx context.Context, orgID string, since time.Time) (activeUsers, totalActions int64, err error) {
	if err = s.db.WithContext(ctx).Model(&auditLogRow{}).
		Where("organization_id = ? AND created_at >= ?", orgID, since).
		Distinct("user_id").
		Count(&activeUsers).Error; err != nil {
		return 0, 0, err
	}
	err = s.db.WithContext(ctx).Model(&auditLogRow{}).
		Where("organization_id = ? AND created_at >= ?", orgID, since).
		Count(&totalActions).Error
	return activeUsers, totalActions, err
}

// CountModelActivity counts audit records touching one model. Analytics uses
// it as the interaction-volume signal in the model security score.
func (s *Store) CountModelActivity(ctx context.Context, orgID, modelID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&auditLogRow{}).
		Where("organization_id = ? AND resource = ? AND resource_id = ?", orgID, "model", modelID).
		Count(&n).Error
	return n, err
}
