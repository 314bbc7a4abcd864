package relational

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/garnizeh/krishi/internal/db"
	"github.com/garnizeh/krishi/internal/payload"
	"github.com/garnizeh/krishi/pkg/models"
	"github.com/garnizeh/krishi/pkg/repository"
)

// Repo implements repository.Backend on a relational store. Every call runs
// in its own probed session and releases it before returning.
type Repo struct {
	conn   *db.DB
	logger *slog.Logger
}

// Ensure Repo implements the public interfaces.
var _ repository.Backend = (*Repo)(nil)

func New(conn *db.DB, logger *slog.Logger) *Repo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repo{conn: conn, logger: logger.With(slog.String("component", "relational"))}
}

func (r *Repo) Name() string { return "relational/" + r.conn.Dialect() }

func (r *Repo) Ping(ctx context.Context) error { return r.conn.Ping(ctx) }

func (r *Repo) Close() error { return r.conn.Close() }

// BackupTo writes a consistent copy of a sqlite database to path. Postgres
// deployments are backed up with pg_dump.
func (r *Repo) BackupTo(ctx context.Context, path string) error {
	if r.conn.Dialect() != db.DialectSQLite {
		return fmt.Errorf("backup of %s databases is not supported, use pg_dump", r.conn.Dialect())
	}
	return r.conn.WithSession(ctx, func(tx *gorm.DB) error {
		return tx.Exec("VACUUM INTO ?", path).Error
	})
}

// Account methods
func (r *Repo) CreateAccount(ctx context.Context, a *models.Account) error {
	if a == nil {
		return fmt.Errorf("account is nil")
	}

	row := db.AccountRow{
		Username:     a.Username,
		PasswordHash: a.PasswordHash,
		Email:        a.Email,
	}
	err := r.conn.WithTransaction(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&db.AccountRow{}).Where("username = ?", a.Username).Count(&count).Error; err != nil {
			return fmt.Errorf("check username: %w", err)
		}
		if count > 0 {
			return repository.ErrDuplicate
		}
		if err := tx.Create(&row).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return repository.ErrDuplicate
			}
			return fmt.Errorf("insert account: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	*a = *row.Model()
	return nil
}

func (r *Repo) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	return r.findAccount(ctx, "id = ?", id)
}

func (r *Repo) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	return r.findAccount(ctx, "username = ?", username)
}

func (r *Repo) findAccount(ctx context.Context, query string, arg any) (*models.Account, error) {
	var row db.AccountRow
	err := r.conn.WithSession(ctx, func(tx *gorm.DB) error {
		return tx.Where(query, arg).Take(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return row.Model(), nil
}

func (r *Repo) UpdateAccount(ctx context.Context, id int64, u models.AccountUpdate) error {
	cols := map[string]any{}
	if u.Email != nil {
		cols["email"] = *u.Email
	}
	if u.PasswordHash != nil {
		cols["password_hash"] = *u.PasswordHash
	}
	if u.ProfileComplete != nil {
		cols["profile_complete"] = *u.ProfileComplete
	}

	return r.conn.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := requireAccount(tx, id); err != nil {
			return err
		}
		if len(cols) == 0 {
			return nil
		}
		if err := tx.Model(&db.AccountRow{}).Where("id = ?", id).Updates(cols).Error; err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		return nil
	})
}

// Profile methods
func (r *Repo) UpsertProfile(ctx context.Context, accountID int64, f models.ProfileFields) error {
	return r.conn.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := requireAccount(tx, accountID); err != nil {
			return err
		}

		var row db.ProfileRow
		err := tx.Where("account_id = ?", accountID).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			profile := &models.Profile{AccountID: accountID}
			f.Apply(profile)
			row = profileRow(profile)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert profile: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load profile: %w", err)
		default:
			if cols := f.Columns(); len(cols) > 0 {
				if err := tx.Model(&db.ProfileRow{}).Where("account_id = ?", accountID).Updates(cols).Error; err != nil {
					return fmt.Errorf("update profile: %w", err)
				}
			}
		}

		if err := tx.Model(&db.AccountRow{}).Where("id = ?", accountID).Update("profile_complete", true).Error; err != nil {
			return fmt.Errorf("mark profile complete: %w", err)
		}
		return nil
	})
}

func (r *Repo) GetProfile(ctx context.Context, accountID int64) (*models.Profile, error) {
	var row db.ProfileRow
	err := r.conn.WithSession(ctx, func(tx *gorm.DB) error {
		return tx.Where("account_id = ?", accountID).Take(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return row.Model(), nil
}

// Analysis methods
func (r *Repo) CreateAnalysis(ctx context.Context, a *models.Analysis) (int64, error) {
	if a == nil {
		return 0, fmt.Errorf("analysis is nil")
	}
	result, err := payload.Normalize(map[string]any(a.Result))
	if err != nil {
		return 0, err
	}

	row := db.AnalysisRow{
		AccountID: a.AccountID,
		Kind:      string(a.Kind),
		ImagePath: a.ImagePath,
		Result:    result,
	}
	err = r.conn.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := requireAccount(tx, a.AccountID); err != nil {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	*a = row.Model()
	return row.ID, nil
}

func (r *Repo) ListAnalyses(ctx context.Context, accountID int64, limit int) ([]models.Analysis, error) {
	var rows []db.AnalysisRow
	err := r.conn.WithSession(ctx, func(tx *gorm.DB) error {
		q := tx.Where("account_id = ?", accountID).Order("created_at DESC").Order("id DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Analysis, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Model())
	}
	return out, nil
}

func requireAccount(tx *gorm.DB, id int64) error {
	var count int64
	if err := tx.Model(&db.AccountRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("check account: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("account %d: %w", id, repository.ErrNotFound)
	}
	return nil
}

func profileRow(p *models.Profile) db.ProfileRow {
	return db.ProfileRow{
		AccountID:        p.AccountID,
		FullName:         p.FullName,
		FarmName:         p.FarmName,
		Location:         p.Location,
		District:         p.District,
		FarmSize:         p.FarmSize,
		MainCrops:        p.MainCrops,
		SoilType:         p.SoilType,
		IrrigationMethod: p.IrrigationMethod,
		CropStatus:       p.CropStatus,
	}
}
