package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/garnizeh/krishi/internal/payload"
	"github.com/garnizeh/krishi/pkg/models"
	"github.com/garnizeh/krishi/pkg/repository"
)

// Store is an in-memory repository.Store for handler tests. Passwords are
// kept in clear text. Set the *Err fields to force failures.
type Store struct {
	mu        sync.Mutex
	accounts  map[int64]*models.Account
	passwords map[int64]string
	profiles  map[int64]*models.Profile
	analyses  []models.Analysis
	nextID    int64

	CreateErr  error
	UpdateErr  error
	ProfileErr error
	SaveErr    error
	PingErr    error
}

// Ensure Store implements the facade interface.
var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		accounts:  map[int64]*models.Account{},
		passwords: map[int64]string{},
		profiles:  map[int64]*models.Profile{},
	}
}

func (m *Store) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Store) CreateAccount(ctx context.Context, username, password string, email *string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	for _, a := range m.accounts {
		if a.Username == username {
			return nil, repository.ErrDuplicate
		}
	}
	now := time.Now().UTC()
	a := &models.Account{ID: m.id(), Username: username, Email: email, CreatedAt: now, UpdatedAt: now}
	m.accounts[a.ID] = a
	m.passwords[a.ID] = password
	cp := *a
	return &cp, nil
}

func (m *Store) VerifyAccount(ctx context.Context, username, password string) (*models.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.accounts {
		if a.Username == username && m.passwords[id] == password {
			cp := *a
			return &cp, true
		}
	}
	return nil, false
}

func (m *Store) GetAccount(ctx context.Context, id int64) (*models.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

func (m *Store) UpdateEmail(ctx context.Context, id int64, email *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	a, ok := m.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Email = email
	return nil
}

func (m *Store) ChangePassword(ctx context.Context, id int64, current, next string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	if _, ok := m.accounts[id]; !ok {
		return repository.ErrNotFound
	}
	if m.passwords[id] != current {
		return repository.ErrInvalidCredentials
	}
	m.passwords[id] = next
	return nil
}

func (m *Store) UpsertProfile(ctx context.Context, accountID int64, f models.ProfileFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProfileErr != nil {
		return m.ProfileErr
	}
	a, ok := m.accounts[accountID]
	if !ok {
		return repository.ErrNotFound
	}
	p, ok := m.profiles[accountID]
	if !ok {
		p = &models.Profile{AccountID: accountID, CreatedAt: time.Now().UTC()}
		m.profiles[accountID] = p
	}
	f.Apply(p)
	p.UpdatedAt = time.Now().UTC()
	a.ProfileComplete = true
	return nil
}

func (m *Store) GetProfile(ctx context.Context, accountID int64) (*models.Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[accountID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (m *Store) SaveAnalysis(ctx context.Context, accountID int64, kind models.AnalysisKind, imagePath *string, result any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return 0, m.SaveErr
	}
	if !kind.Valid() {
		return 0, repository.ErrInvalidInput
	}
	p, err := payload.Normalize(result)
	if err != nil {
		return 0, err
	}
	a := models.Analysis{
		ID:        m.id(),
		AccountID: accountID,
		Kind:      kind,
		ImagePath: imagePath,
		Result:    p,
		CreatedAt: time.Now().UTC(),
	}
	m.analyses = append(m.analyses, a)
	return a.ID, nil
}

func (m *Store) ListAnalyses(ctx context.Context, accountID int64, limit int) []models.Analysis {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Analysis{}
	for _, a := range m.analyses {
		if a.AccountID == accountID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Store) Backend() string { return "mock" }

func (m *Store) Ping(ctx context.Context) error { return m.PingErr }
