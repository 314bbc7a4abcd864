package repository

import (
	"context"

	"github.com/garnizeh/krishi/pkg/models"
)

// Repository interfaces for the persisted entities. These are the contracts
// both backends under internal/repository implement.

type AccountRepo interface {
	// CreateAccount inserts a and fills its ID and timestamps. Returns
	// ErrDuplicate when the username is taken.
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	UpdateAccount(ctx context.Context, id int64, u models.AccountUpdate) error
}

type ProfileRepo interface {
	// UpsertProfile creates the profile if absent, applies the supplied
	// fields and marks the owning account's profile as complete.
	UpsertProfile(ctx context.Context, accountID int64, f models.ProfileFields) error
	GetProfile(ctx context.Context, accountID int64) (*models.Profile, error)
}

type AnalysisRepo interface {
	// CreateAnalysis stores a with a server-side timestamp and returns its ID.
	CreateAnalysis(ctx context.Context, a *models.Analysis) (int64, error)
	// ListAnalyses returns newest first; limit <= 0 means no cap.
	ListAnalyses(ctx context.Context, accountID int64, limit int) ([]models.Analysis, error)
}

// Backend is one durable record store.
type Backend interface {
	AccountRepo
	ProfileRepo
	AnalysisRepo

	Name() string
	Ping(ctx context.Context) error
	Close() error
}

// Store is the persistence facade the rest of the application depends on.
// Lookups never surface errors: absent and failed reads look the same.
type Store interface {
	CreateAccount(ctx context.Context, username, password string, email *string) (*models.Account, error)
	VerifyAccount(ctx context.Context, username, password string) (*models.Account, bool)
	GetAccount(ctx context.Context, id int64) (*models.Account, bool)
	UpdateEmail(ctx context.Context, id int64, email *string) error
	ChangePassword(ctx context.Context, id int64, current, next string) error

	UpsertProfile(ctx context.Context, accountID int64, f models.ProfileFields) error
	GetProfile(ctx context.Context, accountID int64) (*models.Profile, bool)

	SaveAnalysis(ctx context.Context, accountID int64, kind models.AnalysisKind, imagePath *string, result any) (int64, error)
	ListAnalyses(ctx context.Context, accountID int64, limit int) []models.Analysis

	Backend() string
	Ping(ctx context.Context) error
}
