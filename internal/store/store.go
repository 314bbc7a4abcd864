// Package store is the persistence facade used by the API and the CLI. It
// binds to one backend at start-up and keeps that binding for the life of
// the process.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/garnizeh/krishi/internal/config"
	"github.com/garnizeh/krishi/internal/db"
	"github.com/garnizeh/krishi/internal/password"
	"github.com/garnizeh/krishi/internal/payload"
	"github.com/garnizeh/krishi/internal/repository/flatfile"
	"github.com/garnizeh/krishi/internal/repository/relational"
	"github.com/garnizeh/krishi/internal/retry"
	"github.com/garnizeh/krishi/pkg/models"
	"github.com/garnizeh/krishi/pkg/repository"
)

type Store struct {
	backend repository.Backend
	hasher  password.Hasher
	logger  *slog.Logger

	dummyOnce   sync.Once
	dummyDigest string
}

// Ensure Store implements the facade interface.
var _ repository.Store = (*Store)(nil)

// Open selects the backend from cfg: a database descriptor connects,
// migrates and uses the relational store; no descriptor uses the flat-file
// store in cfg.DataDir. Failures wrap repository.ErrConfiguration.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend, err := OpenBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(backend, password.NewBcrypt(cfg.BcryptCost), logger), nil
}

// OpenBackend returns the backend Open would bind to.
func OpenBackend(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (repository.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	descriptor := db.NormalizeDescriptor(cfg.DatabaseURL)
	if descriptor == "" {
		logger.Info("no database descriptor configured, using flat-file store", slog.String("dir", cfg.DataDir))
		return flatfile.New(ctx, cfg.DataDir, logger)
	}

	conn, err := db.New(ctx, descriptor, db.Options{
		Pool: db.PoolOptions{
			Size:        cfg.Pool.Size,
			MaxOverflow: cfg.Pool.MaxOverflow,
			Recycle:     cfg.Pool.Recycle,
			Timeout:     cfg.Pool.Timeout,
		},
		Retry:  retry.Policy{Attempts: cfg.Retry.Attempts, Interval: cfg.Retry.Interval},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: migrate: %v", repository.ErrConfiguration, err)
	}
	return relational.New(conn, logger), nil
}

// New wraps an already opened backend.
func New(backend repository.Backend, hasher password.Hasher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if hasher == nil {
		hasher = password.NewBcrypt(0)
	}
	s := &Store{
		backend: backend,
		hasher:  hasher,
		logger:  logger.With(slog.String("component", "store")),
	}
	s.logger.Info("persistence backend selected", slog.String("backend", backend.Name()))
	return s
}

func (s *Store) Backend() string { return s.backend.Name() }

func (s *Store) Ping(ctx context.Context) error { return s.backend.Ping(ctx) }

func (s *Store) Close() error { return s.backend.Close() }

// Unwrap exposes the bound backend to maintenance tooling.
func (s *Store) Unwrap() repository.Backend { return s.backend }

func (s *Store) CreateAccount(ctx context.Context, username, pw string, email *string) (*models.Account, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("%w: username is required", repository.ErrInvalidInput)
	}
	digest, err := s.hasher.Hash(pw)
	if err != nil {
		return nil, err
	}

	a := &models.Account{Username: username, PasswordHash: digest, Email: cleanEmail(email)}
	if err := s.backend.CreateAccount(ctx, a); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			s.logger.Error("create account", slog.String("username", username), slog.Any("err", err))
		}
		return nil, err
	}
	return a, nil
}

// VerifyAccount returns the account when username and password match.
// Unknown users, wrong passwords and storage faults all report false.
func (s *Store) VerifyAccount(ctx context.Context, username, pw string) (*models.Account, bool) {
	a, err := s.backend.GetAccountByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("verify account lookup", slog.String("username", username), slog.Any("err", err))
		}
		// keep the unknown-user path as slow as a real check
		s.hasher.Verify(s.dummy(), pw)
		return nil, false
	}

	ok, needsRehash := s.hasher.Verify(a.PasswordHash, pw)
	if !ok {
		return nil, false
	}
	if needsRehash {
		s.rehash(ctx, a, pw)
	}
	return a, true
}

func (s *Store) rehash(ctx context.Context, a *models.Account, pw string) {
	digest, err := s.hasher.Hash(pw)
	if err != nil {
		s.logger.Warn("rehash password", slog.Int64("account_id", a.ID), slog.Any("err", err))
		return
	}
	if err := s.backend.UpdateAccount(ctx, a.ID, models.AccountUpdate{PasswordHash: &digest}); err != nil {
		s.logger.Warn("store upgraded digest", slog.Int64("account_id", a.ID), slog.Any("err", err))
		return
	}
	a.PasswordHash = digest
	s.logger.Info("password digest upgraded", slog.Int64("account_id", a.ID))
}

func (s *Store) dummy() string {
	s.dummyOnce.Do(func() {
		d, err := s.hasher.Hash("krishi-dummy-password")
		if err != nil {
			s.logger.Warn("dummy digest", slog.Any("err", err))
		}
		s.dummyDigest = d
	})
	return s.dummyDigest
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*models.Account, bool) {
	a, err := s.backend.GetAccount(ctx, id)
	if err != nil {
		s.logLookup("get account", id, err)
		return nil, false
	}
	return a, true
}

func (s *Store) UpdateEmail(ctx context.Context, id int64, email *string) error {
	email = cleanEmail(email)
	if email == nil {
		return fmt.Errorf("%w: email is required", repository.ErrInvalidInput)
	}
	return s.backend.UpdateAccount(ctx, id, models.AccountUpdate{Email: email})
}

// ChangePassword replaces the digest after checking current. A wrong
// current password returns repository.ErrInvalidCredentials.
func (s *Store) ChangePassword(ctx context.Context, id int64, current, next string) error {
	a, err := s.backend.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if ok, _ := s.hasher.Verify(a.PasswordHash, current); !ok {
		return repository.ErrInvalidCredentials
	}
	digest, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	return s.backend.UpdateAccount(ctx, id, models.AccountUpdate{PasswordHash: &digest})
}

func (s *Store) UpsertProfile(ctx context.Context, accountID int64, f models.ProfileFields) error {
	if err := s.backend.UpsertProfile(ctx, accountID, f); err != nil {
		s.logger.Error("upsert profile", slog.Int64("account_id", accountID), slog.Any("err", err))
		return err
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, accountID int64) (*models.Profile, bool) {
	p, err := s.backend.GetProfile(ctx, accountID)
	if err != nil {
		s.logLookup("get profile", accountID, err)
		return nil, false
	}
	return p, true
}

// SaveAnalysis stores result, which must be a map or struct, and returns
// the new analysis id.
func (s *Store) SaveAnalysis(ctx context.Context, accountID int64, kind models.AnalysisKind, imagePath *string, result any) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: unknown analysis kind %q", repository.ErrInvalidInput, kind)
	}
	p, err := payload.Normalize(result)
	if err != nil {
		return 0, err
	}

	id, err := s.backend.CreateAnalysis(ctx, &models.Analysis{
		AccountID: accountID,
		Kind:      kind,
		ImagePath: imagePath,
		Result:    p,
	})
	if err != nil {
		s.logger.Error("save analysis", slog.Int64("account_id", accountID), slog.Any("err", err))
		return 0, err
	}
	return id, nil
}

func (s *Store) ListAnalyses(ctx context.Context, accountID int64, limit int) []models.Analysis {
	list, err := s.backend.ListAnalyses(ctx, accountID, limit)
	if err != nil {
		s.logger.Error("list analyses", slog.Int64("account_id", accountID), slog.Any("err", err))
		return []models.Analysis{}
	}
	return list
}

func (s *Store) logLookup(op string, id int64, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		return
	}
	s.logger.Error(op, slog.Int64("id", id), slog.Any("err", err))
}

func cleanEmail(email *string) *string {
	if email == nil {
		return nil
	}
	e := strings.TrimSpace(*email)
	if e == "" {
		return nil
	}
	return &e
}
