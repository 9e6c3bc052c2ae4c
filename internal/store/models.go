package store

import (
	"strings"
	"time"

	"modelsentry/types"
)

// Row types keep the gorm schema out of the shared domain structs.

type threatRow struct {
	ID             string    `gorm:"primaryKey;size:36"`
	OrganizationID string    `gorm:"size:36;index:idx_threats_org_detected,priority:1"`
	ModelID        string    `gorm:"size:36;index"`
	ScanID         string    `gorm:"size:36;index"`
	ThreatType     string    `gorm:"size:64;index"`
	Severity       string    `gorm:"size:16"`
	Confidence     float64   `gorm:"not null"`
	Description    string    `gorm:"type:text"`
	Status         string    `gorm:"size:24;index"`
	DetectedAt     time.Time `gorm:"index:idx_threats_org_detected,priority:2"`
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
}

func (threatRow) TableName() string { return "threats" }

func threatRowFrom(t *types.Threat) *threatRow {
	return &threatRow{
		ID:             t.ID,
		OrganizationID: t.OrganizationID,
		ModelID:        t.ModelID,
		ScanID:         t.ScanID,
		ThreatType:     t.Type,
		Severity:       string(t.Severity),
		Confidence:     t.Confidence,
		Description:    t.Description,
		Status:         string(t.Status),
		DetectedAt:     t.DetectedAt,
		UpdatedAt:      t.UpdatedAt,
		ResolvedAt:     t.ResolvedAt,
	}
}

func (r *threatRow) toThreat() *types.Threat {
	return &types.Threat{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		ModelID:        r.ModelID,
		ScanID:         r.ScanID,
		Type:           r.ThreatType,
		Severity:       types.Severity(r.Severity),
		Confidence:     r.Confidence,
		Description:    r.Description,
		Status:         types.ThreatStatus(r.Status),
		DetectedAt:     r.DetectedAt,
		UpdatedAt:      r.UpdatedAt,
		ResolvedAt:     r.ResolvedAt,
	}
}

type scanRow struct {
	ID             string `gorm:"primaryKey;size:36"`
	OrganizationID string `gorm:"size:36;index"`
	ModelFileID    string `gorm:"size:36;index"`
	Status         string `gorm:"size:16;index:idx_scans_status_created,priority:1"`
	FindingCount   int
	Error          string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index:idx_scans_status_created,priority:2"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (scanRow) TableName() string { return "scans" }

func scanRowFrom(j *types.ScanJob) *scanRow {
	return &scanRow{
		ID:             j.ID,
		OrganizationID: j.OrganizationID,
		ModelFileID:    j.ModelFileID,
		Status:         string(j.Status),
		FindingCount:   j.FindingCount,
		Error:          j.Error,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
}

func (r *scanRow) toScanJob() *types.ScanJob {
	return &types.ScanJob{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		ModelFileID:    r.ModelFileID,
		Status:         types.ScanStatus(r.Status),
		FindingCount:   r.FindingCount,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}

type modelFileRow struct {
	ID             string `gorm:"primaryKey;size:36"`
	OrganizationID string `gorm:"size:36;index"`
	Name           string `gorm:"size:255"`
	Format         string `gorm:"size:32"`
	SizeBytes      int64
	SHA256         string `gorm:"column:sha256;size:64;index"`
	StoragePath    string `gorm:"size:512"`
	UploadedBy     string `gorm:"size:36"`
	Active         bool   `gorm:"index"`
	CreatedAt      time.Time
}

func (modelFileRow) TableName() string { return "model_files" }

func modelFileRowFrom(f *types.ModelFile) *modelFileRow {
	return &modelFileRow{
		ID:             f.ID,
		OrganizationID: f.OrganizationID,
		Name:           f.Name,
		Format:         f.Format,
		SizeBytes:      f.SizeBytes,
		SHA256:         f.SHA256,
		StoragePath:    f.StoragePath,
		UploadedBy:     f.UploadedBy,
		Active:         f.Active,
		CreatedAt:      f.CreatedAt,
	}
}

func (r *modelFileRow) toModelFile() *types.ModelFile {
	return &types.ModelFile{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		Format:         r.Format,
		SizeBytes:      r.SizeBytes,
		SHA256:         r.SHA256,
		StoragePath:    r.StoragePath,
		UploadedBy:     r.UploadedBy,
		Active:         r.Active,
		CreatedAt:      r.CreatedAt,
	}
}

type apiKeyRow struct {
	ID             string `gorm:"primaryKey;size:36"`
	OrganizationID string `gorm:"size:36;index"`
	Name           string `gorm:"size:128"`
	Prefix         string `gorm:"size:16"`
	KeyHash        string `gorm:"size:64;uniqueIndex"`
	Scopes         string `gorm:"size:512"`
	LastUsedAt     *time.Time
	ExpiresAt      *time.Time
	RevokedAt      *time.Time
	CreatedAt      time.Time
}

func (apiKeyRow) TableName() string { return "api_keys" }

func apiKeyRowFrom(k *types.APIKey) *apiKeyRow {
	return &apiKeyRow{
		ID:             k.ID,
		OrganizationID: k.OrganizationID,
		Name:           k.Name,
		Prefix:         k.Prefix,
		KeyHash:        k.KeyHash,
		Scopes:         strings.Join(k.Scopes, ","),
		LastUsedAt:     k.LastUsedAt,
		ExpiresAt:      k.ExpiresAt,
		RevokedAt:      k.RevokedAt,
		CreatedAt:      k.CreatedAt,
	}
}

func (r *apiKeyRow) toAPIKey() *types.APIKey {
	var scopes []string
	if r.Scopes != "" {
		scopes = strings.Split(r.Scopes, ",")
	}
	return &types.APIKey{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		Prefix:         r.Prefix,
		KeyHash:        r.KeyHash,
		Scopes:         scopes,
		LastUsedAt:     r.LastUsedAt,
		ExpiresAt:      r.ExpiresAt,
		RevokedAt:      r.RevokedAt,
		CreatedAt:      r.CreatedAt,
	}
}

type auditLogRow struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	OrganizationID string    `gorm:"size:36;index:idx_audit_org_created,priority:1"`
	UserID         string    `gorm:"size:36;index"`
	Action         string    `gorm:"size:64"`
	Resource       string    `gorm:"size:64;index"`
	ResourceID     string    `gorm:"size:36;index"`
	Detail         string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index:idx_audit_org_created,priority:2"`
}

func (auditLogRow) TableName() string { return "audit_logs" }
