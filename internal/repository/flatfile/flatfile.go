package flatfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/garnizeh/krishi/internal/payload"
	"github.com/garnizeh/krishi/pkg/models"
	"github.com/garnizeh/krishi/pkg/repository"
)

const lockRetryDelay = 5 * time.Millisecond

// Repo implements repository.Backend on JSON documents in one directory.
// Each mutation is a read-modify-write cycle under an exclusive advisory
// lock on LockFile; reads take the shared lock. Several Repo values, in one
// process or many, may share a directory.
type Repo struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex // serialises use of lock within the process
	lock   *flock.Flock
	closed bool
}

// Ensure Repo implements the public interfaces.
var _ repository.Backend = (*Repo)(nil)

// New opens the store in dir, creating the directory and any missing
// documents. It fails with repository.ErrConfiguration when dir cannot be
// created or written.
func New(ctx context.Context, dir string, logger *slog.Logger) (*Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir %s: %v", repository.ErrConfiguration, dir, err)
	}
	probe, err := os.CreateTemp(dir, ".krishi-probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: data dir %s is not writable: %v", repository.ErrConfiguration, dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	r := &Repo{
		dir:    dir,
		logger: logger.With(slog.String("component", "flatfile")),
		lock:   flock.New(filepath.Join(dir, LockFile)),
	}
	if err := r.update(ctx, r.initialise); err != nil {
		return nil, fmt.Errorf("%w: initialise %s: %v", repository.ErrConfiguration, dir, err)
	}
	r.logger.Info("flat-file store ready", slog.String("dir", dir))
	return r, nil
}

// Dir returns the data directory.
func (r *Repo) Dir() string { return r.dir }

func (r *Repo) Name() string { return "flatfile" }

// Ping takes and releases the shared lock.
func (r *Repo) Ping(ctx context.Context) error {
	return r.view(ctx, func(*state) error { return nil })
}

func (r *Repo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.lock.Close()
}

// BackupTo copies every document into dst while holding the shared lock.
func (r *Repo) BackupTo(ctx context.Context, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	return r.view(ctx, func(*state) error {
		for _, name := range Files {
			data, err := os.ReadFile(filepath.Join(r.dir, name))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			if err := os.WriteFile(filepath.Join(dst, name), data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", name, err)
			}
		}
		return nil
	})
}

// RestoreFrom replaces every document with the copy in src under the
// exclusive lock. Documents in src must parse; a missing one restores as
// empty.
func (r *Repo) RestoreFrom(ctx context.Context, src string) error {
	if err := checkDocuments(src); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return r.update(ctx, func(s *state) error {
		corrupt := s.corrupt
		*s = *r.loadDir(src)
		s.corrupt = corrupt
		s.changed = dirtyAccounts | dirtyProfiles | dirtyAnalyses | dirtySequence
		return nil
	})
}

// Account methods
func (r *Repo) CreateAccount(ctx context.Context, a *models.Account) error {
	if a == nil {
		return fmt.Errorf("account is nil")
	}
	return r.update(ctx, func(s *state) error {
		if _, exists := s.accounts[a.Username]; exists {
			return repository.ErrDuplicate
		}
		now := time.Now().UTC()
		doc := &accountDoc{
			ID:           s.nextAccountID(),
			PasswordHash: a.PasswordHash,
			Email:        a.Email,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.accounts[a.Username] = doc
		s.touch(dirtyAccounts)
		*a = *doc.model(a.Username)
		return nil
	})
}

func (r *Repo) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	var out *models.Account
	err := r.view(ctx, func(s *state) error {
		name, doc, ok := s.accountByID(id)
		if !ok {
			return repository.ErrNotFound
		}
		out = doc.model(name)
		return nil
	})
	return out, err
}

func (r *Repo) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	var out *models.Account
	err := r.view(ctx, func(s *state) error {
		doc, ok := s.accounts[username]
		if !ok {
			return repository.ErrNotFound
		}
		out = doc.model(username)
		return nil
	})
	return out, err
}

func (r *Repo) UpdateAccount(ctx context.Context, id int64, u models.AccountUpdate) error {
	return r.update(ctx, func(s *state) error {
		_, doc, ok := s.accountByID(id)
		if !ok {
			return fmt.Errorf("account %d: %w", id, repository.ErrNotFound)
		}
		if u.IsEmpty() {
			return nil
		}
		if u.Email != nil {
			email := *u.Email
			doc.Email = &email
		}
		if u.PasswordHash != nil {
			doc.PasswordHash = *u.PasswordHash
		}
		if u.ProfileComplete != nil {
			doc.ProfileComplete = *u.ProfileComplete
		}
		doc.UpdatedAt = time.Now().UTC()
		s.touch(dirtyAccounts)
		return nil
	})
}

// Profile methods
func (r *Repo) UpsertProfile(ctx context.Context, accountID int64, f models.ProfileFields) error {
	return r.update(ctx, func(s *state) error {
		_, doc, ok := s.accountByID(accountID)
		if !ok {
			return fmt.Errorf("account %d: %w", accountID, repository.ErrNotFound)
		}
		now := time.Now().UTC()

		key := profileKey(accountID)
		p, exists := s.profiles[key]
		if !exists {
			p = &models.Profile{AccountID: accountID, CreatedAt: now}
			s.profiles[key] = p
		}
		f.Apply(p)
		p.UpdatedAt = now
		s.touch(dirtyProfiles)

		doc.ProfileComplete = true
		doc.UpdatedAt = now
		s.touch(dirtyAccounts)
		return nil
	})
}

func (r *Repo) GetProfile(ctx context.Context, accountID int64) (*models.Profile, error) {
	var out *models.Profile
	err := r.view(ctx, func(s *state) error {
		p, ok := s.profiles[profileKey(accountID)]
		if !ok {
			return repository.ErrNotFound
		}
		cp := *p
		out = &cp
		return nil
	})
	return out, err
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

	var stored models.Analysis
	err = r.update(ctx, func(s *state) error {
		if _, _, ok := s.accountByID(a.AccountID); !ok {
			return fmt.Errorf("account %d: %w", a.AccountID, repository.ErrNotFound)
		}
		stored = models.Analysis{
			ID:        s.nextAnalysisID(),
			AccountID: a.AccountID,
			Kind:      a.Kind,
			ImagePath: a.ImagePath,
			Result:    result,
			CreatedAt: time.Now().UTC(),
		}
		s.analyses = append(s.analyses, stored)
		s.touch(dirtyAnalyses)
		return nil
	})
	if err != nil {
		return 0, err
	}

	*a = stored
	return stored.ID, nil
}

func (r *Repo) ListAnalyses(ctx context.Context, accountID int64, limit int) ([]models.Analysis, error) {
	out := []models.Analysis{}
	err := r.view(ctx, func(s *state) error {
		for _, a := range s.analyses {
			if a.AccountID == accountID {
				out = append(out, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// initialise writes missing documents and upgrades legacy content: accounts
// without an id receive one, and profiles keyed by username are re-keyed by
// account id. Corrupt documents are left on disk untouched.
func (r *Repo) initialise(s *state) error {
	for name, d := range map[string]dirty{
		AccountsFile: dirtyAccounts,
		ProfilesFile: dirtyProfiles,
		AnalysesFile: dirtyAnalyses,
		SequenceFile: dirtySequence,
	} {
		if s.missing[name] {
			s.touch(d)
		}
	}

	var legacy []string
	for name, doc := range s.accounts {
		if doc.ID <= 0 {
			legacy = append(legacy, name)
		}
	}
	sort.Strings(legacy)
	for _, name := range legacy {
		s.accounts[name].ID = s.nextAccountID()
		s.touch(dirtyAccounts)
	}
	if len(legacy) > 0 {
		r.logger.Info("assigned ids to legacy accounts", slog.Int("count", len(legacy)))
	}

	if s.corrupt[AccountsFile] {
		// username-keyed profiles cannot be resolved until accounts parse
		return nil
	}
	for key, p := range s.profiles {
		if _, err := strconv.ParseInt(key, 10, 64); err == nil {
			continue
		}
		doc, ok := s.accounts[key]
		if !ok {
			r.logger.Warn("dropping profile for unknown account", slog.String("key", key))
			delete(s.profiles, key)
			s.touch(dirtyProfiles)
			continue
		}
		p.AccountID = doc.ID
		delete(s.profiles, key)
		s.profiles[profileKey(doc.ID)] = p
		s.touch(dirtyProfiles)
	}
	return nil
}

func (r *Repo) update(ctx context.Context, fn func(*state) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: store is closed", repository.ErrConnectivity)
	}

	ok, err := r.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !ok {
		return fmt.Errorf("%w: acquire exclusive lock: %v", repository.ErrConnectivity, err)
	}
	defer r.unlock()

	s := r.loadDir(r.dir)
	if err := fn(s); err != nil {
		return err
	}
	return r.save(s)
}

func (r *Repo) view(ctx context.Context, fn func(*state) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: store is closed", repository.ErrConnectivity)
	}

	ok, err := r.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil || !ok {
		return fmt.Errorf("%w: acquire shared lock: %v", repository.ErrConnectivity, err)
	}
	defer r.unlock()

	return fn(r.loadDir(r.dir))
}

func (r *Repo) unlock() {
	if err := r.lock.Unlock(); err != nil {
		r.logger.Warn("release lock", slog.Any("err", err))
	}
}

// loadDir reads every document in dir. Missing or unparseable documents
// come back as empty collections; unparseable ones are flagged corrupt.
func (r *Repo) loadDir(dir string) *state {
	s := &state{
		accounts: map[string]*accountDoc{},
		profiles: map[string]*models.Profile{},
		analyses: []models.Analysis{},
		missing:  map[string]bool{},
		corrupt:  map[string]bool{},
	}

	read := func(name string, v any, reset func()) {
		missing, err := readJSON(filepath.Join(dir, name), v)
		if err != nil {
			r.logger.Warn("unreadable document, using empty default",
				slog.String("file", name),
				slog.Any("err", err))
			reset()
			s.corrupt[name] = true
			return
		}
		s.missing[name] = missing
	}
	read(AccountsFile, &s.accounts, func() { s.accounts = map[string]*accountDoc{} })
	read(ProfilesFile, &s.profiles, func() { s.profiles = map[string]*models.Profile{} })
	read(AnalysesFile, &s.analyses, func() { s.analyses = []models.Analysis{} })
	read(SequenceFile, &s.seq, func() { s.seq = sequence{} })

	// json null decodes to nil maps
	if s.accounts == nil {
		s.accounts = map[string]*accountDoc{}
	}
	for name, doc := range s.accounts {
		if doc == nil {
			delete(s.accounts, name)
		}
	}
	if s.profiles == nil {
		s.profiles = map[string]*models.Profile{}
	}
	for key, p := range s.profiles {
		if p == nil {
			delete(s.profiles, key)
		}
	}

	before := s.seq
	s.seed()
	if s.seq != before {
		s.touch(dirtySequence)
	}
	return s
}

// save rewrites the documents fn changed. The sequence goes first so a
// partial write can never hand out an identifier twice.
func (r *Repo) save(s *state) error {
	docs := []struct {
		flag dirty
		name string
		v    any
	}{
		{dirtySequence, SequenceFile, s.seq},
		{dirtyAccounts, AccountsFile, s.accounts},
		{dirtyProfiles, ProfilesFile, s.profiles},
		{dirtyAnalyses, AnalysesFile, s.analyses},
	}

	var errs []error
	for _, d := range docs {
		if s.changed&d.flag == 0 {
			continue
		}
		path := filepath.Join(r.dir, d.name)
		if s.corrupt[d.name] {
			moved, err := quarantine(path, time.Now().UTC())
			if err != nil {
				errs = append(errs, err)
				continue
			}
			delete(s.corrupt, d.name)
			r.logger.Warn("corrupt document moved aside",
				slog.String("file", d.name),
				slog.String("copy", moved))
		}
		if err := writeJSON(path, d.v); err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Debug("document written", slog.String("file", d.name))
	}
	return errors.Join(errs...)
}
