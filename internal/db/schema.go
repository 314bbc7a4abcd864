package db

import (
	"time"

	"github.com/garnizeh/krishi/pkg/models"
)

// Relational schema. Profiles and analyses belong to an account and are
// removed with it.

type AccountRow struct {
	ID              int64   `gorm:"primaryKey;autoIncrement"`
	Username        string  `gorm:"size:150;not null;uniqueIndex"`
	PasswordHash    string  `gorm:"size:255;not null"`
	Email           *string `gorm:"size:255"`
	ProfileComplete bool    `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Profile  *ProfileRow   `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE"`
	Analyses []AnalysisRow `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE"`
}

func (AccountRow) TableName() string { return "accounts" }

func (r *AccountRow) Model() *models.Account {
	return &models.Account{
		ID:              r.ID,
		Username:        r.Username,
		PasswordHash:    r.PasswordHash,
		Email:           r.Email,
		ProfileComplete: r.ProfileComplete,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type ProfileRow struct {
	AccountID        int64  `gorm:"primaryKey;autoIncrement:false"`
	FullName         string `gorm:"size:255"`
	FarmName         string `gorm:"size:255"`
	Location         string `gorm:"size:255"`
	District         string `gorm:"size:255"`
	FarmSize         string `gorm:"size:100"`
	MainCrops        string `gorm:"size:500"`
	SoilType         string `gorm:"size:100"`
	IrrigationMethod string `gorm:"size:100"`
	CropStatus       string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (ProfileRow) TableName() string { return "profiles" }

func (r *ProfileRow) Model() *models.Profile {
	return &models.Profile{
		AccountID:        r.AccountID,
		FullName:         r.FullName,
		FarmName:         r.FarmName,
		Location:         r.Location,
		District:         r.District,
		FarmSize:         r.FarmSize,
		MainCrops:        r.MainCrops,
		SoilType:         r.SoilType,
		IrrigationMethod: r.IrrigationMethod,
		CropStatus:       r.CropStatus,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type AnalysisRow struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	AccountID int64          `gorm:"not null;index:idx_analyses_account_created,priority:1"`
	Kind      string         `gorm:"size:16;not null"`
	ImagePath *string        `gorm:"size:512"`
	Result    models.Payload `gorm:"serializer:json;type:text;not null"`
	CreatedAt time.Time      `gorm:"index:idx_analyses_account_created,priority:2"`
}

func (AnalysisRow) TableName() string { return "analyses" }

func (r *AnalysisRow) Model() models.Analysis {
	return models.Analysis{
		ID:        r.ID,
		AccountID: r.AccountID,
		Kind:      models.AnalysisKind(r.Kind),
		ImagePath: r.ImagePath,
		Result:    r.Result,
		CreatedAt: r.CreatedAt,
	}
}

// SchemaMigration records applied schema versions.
type SchemaMigration struct {
	Version string `gorm:"primaryKey;size:64"`
	Applied int64  `gorm:"not null"`
}

func (SchemaMigration) TableName() string { return "schema_migrations" }
