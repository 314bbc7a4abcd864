package store_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/garnizeh/krishi/internal/config"
	"github.com/garnizeh/krishi/internal/password"
	"github.com/garnizeh/krishi/internal/repository/flatfile"
	"github.com/garnizeh/krishi/internal/store"
	"github.com/garnizeh/krishi/pkg/models"
	"github.com/garnizeh/krishi/pkg/repository"
)

func TestMain(m *testing.M) {
	defer goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func storeConfig(dir, descriptor string) config.StoreConfig {
	cfg := config.Defaults().Store
	cfg.DataDir = dir
	cfg.DatabaseURL = descriptor
	cfg.BcryptCost = bcrypt.MinCost
	cfg.Retry.Interval = 0
	return cfg
}

type backendCase struct {
	name string
	cfg  func(t *testing.T) config.StoreConfig
}

var backends = []backendCase{
	{"flatfile", func(t *testing.T) config.StoreConfig { return storeConfig(t.TempDir(), "") }},
	{"relational", func(t *testing.T) config.StoreConfig {
		return storeConfig(t.TempDir(), "sqlite://"+filepath.Join(t.TempDir(), "krishi.db"))
	}},
}

func openStore(t *testing.T, cfg config.StoreConfig) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_FallsBackToFlatFile(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, storeConfig(dir, "  "))

	if s.Backend() != "flatfile" {
		t.Fatalf("expected flatfile backend, got %q", s.Backend())
	}
	if _, err := s.CreateAccount(context.Background(), "asha", "pw", nil); err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, flatfile.AccountsFile))
	if err != nil {
		t.Fatalf("expected accounts document on disk: %v", err)
	}
	if !strings.Contains(string(data), `"asha"`) {
		t.Fatalf("accounts document does not hold the new account: %s", data)
	}
}

func TestOpen_Relational(t *testing.T) {
	s := openStore(t, storeConfig(t.TempDir(), "sqlite://"+filepath.Join(t.TempDir(), "krishi.db")))
	if s.Backend() != "relational/sqlite" {
		t.Fatalf("expected relational backend, got %q", s.Backend())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
}

func TestOpen_ConfigurationErrors(t *testing.T) {
	_, err := store.Open(context.Background(), storeConfig(t.TempDir(), "redis://localhost"), quietLogger())
	if !errors.Is(err, repository.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for unknown scheme, got %v", err)
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err = store.Open(context.Background(), storeConfig(filepath.Join(file, "dir"), ""), quietLogger())
	if !errors.Is(err, repository.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for unwritable dir, got %v", err)
	}
}

func TestAccountLifecycle(t *testing.T) {
	for _, bc := range backends {
		t.Run(bc.name, func(t *testing.T) {
			s := openStore(t, bc.cfg(t))
			ctx := context.Background()

			email := "g@example.com"
			a, err := s.CreateAccount(ctx, "ganesh", "s3cret", &email)
			if err != nil {
				t.Fatalf("CreateAccount error: %v", err)
			}
			if a.PasswordHash == "s3cret" || a.PasswordHash == password.LegacyDigest("s3cret") {
				t.Fatalf("password stored without salted hashing")
			}

			got, ok := s.VerifyAccount(ctx, "ganesh", "s3cret")
			if !ok || got.ID != a.ID || got.Email == nil || *got.Email != email {
				t.Fatalf("VerifyAccount round-trip failed: %#v %v", got, ok)
			}
			if _, ok := s.VerifyAccount(ctx, "ganesh", "wrong"); ok {
				t.Fatalf("expected wrong password to fail")
			}
			if _, ok := s.VerifyAccount(ctx, "nobody", "s3cret"); ok {
				t.Fatalf("expected unknown user to fail")
			}

			if _, err := s.CreateAccount(ctx, "ganesh", "other", nil); !errors.Is(err, repository.ErrDuplicate) {
				t.Fatalf("expected ErrDuplicate, got %v", err)
			}
			if _, ok := s.VerifyAccount(ctx, "ganesh", "s3cret"); !ok {
				t.Fatalf("first account must survive a duplicate create")
			}
			if _, err := s.CreateAccount(ctx, " ", "pw", nil); !errors.Is(err, repository.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput for blank username, got %v", err)
			}

			// empty password is accepted
			if _, err := s.CreateAccount(ctx, "blank", "", nil); err != nil {
				t.Fatalf("CreateAccount with empty password: %v", err)
			}
			if _, ok := s.VerifyAccount(ctx, "blank", ""); !ok {
				t.Fatalf("expected empty password to verify")
			}

			newEmail := "new@example.com"
			if err := s.UpdateEmail(ctx, a.ID, &newEmail); err != nil {
				t.Fatalf("UpdateEmail error: %v", err)
			}
			if err := s.UpdateEmail(ctx, a.ID, nil); !errors.Is(err, repository.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput for nil email, got %v", err)
			}
			acc, ok := s.GetAccount(ctx, a.ID)
			if !ok || acc.Email == nil || *acc.Email != newEmail {
				t.Fatalf("GetAccount after UpdateEmail: %#v %v", acc, ok)
			}
			if _, ok := s.GetAccount(ctx, 12345); ok {
				t.Fatalf("expected unknown id to be not found")
			}

			if err := s.ChangePassword(ctx, a.ID, "wrong", "next"); !errors.Is(err, repository.ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
			if err := s.ChangePassword(ctx, a.ID, "s3cret", "next"); err != nil {
				t.Fatalf("ChangePassword error: %v", err)
			}
			if _, ok := s.VerifyAccount(ctx, "ganesh", "next"); !ok {
				t.Fatalf("expected new password to verify")
			}
		})
	}
}

func TestProfilesAndAnalyses(t *testing.T) {
	for _, bc := range backends {
		t.Run(bc.name, func(t *testing.T) {
			s := openStore(t, bc.cfg(t))
			ctx := context.Background()
			a, err := s.CreateAccount(ctx, "lakshmi", "pw", nil)
			if err != nil {
				t.Fatalf("CreateAccount error: %v", err)
			}

			x, y := "X", "Y"
			if err := s.UpsertProfile(ctx, a.ID, models.ProfileFields{Location: &x}); err != nil {
				t.Fatalf("UpsertProfile error: %v", err)
			}
			if err := s.UpsertProfile(ctx, a.ID, models.ProfileFields{FarmName: &y}); err != nil {
				t.Fatalf("UpsertProfile error: %v", err)
			}
			p, ok := s.GetProfile(ctx, a.ID)
			if !ok || p.Location != "X" || p.FarmName != "Y" {
				t.Fatalf("expected merged profile, got %#v", p)
			}
			if acc, _ := s.GetAccount(ctx, a.ID); !acc.ProfileComplete {
				t.Fatalf("expected profile_complete")
			}
			if _, ok := s.GetProfile(ctx, 999); ok {
				t.Fatalf("expected missing profile")
			}

			path := "uploads/soil.png"
			id, err := s.SaveAnalysis(ctx, a.ID, models.KindSoil, &path, struct {
				PH    float32 `json:"ph"`
				Label string  `json:"label"`
			}{PH: 6.5, Label: "loam"})
			if err != nil {
				t.Fatalf("SaveAnalysis error: %v", err)
			}
			if _, err := s.SaveAnalysis(ctx, a.ID, models.AnalysisKind("leaf"), nil, nil); !errors.Is(err, repository.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput for unknown kind, got %v", err)
			}

			list := s.ListAnalyses(ctx, a.ID, 10)
			if len(list) != 1 || list[0].ID != id || list[0].Result["label"] != "loam" || list[0].Result["ph"] != 6.5 {
				t.Fatalf("unexpected analyses: %+v", list)
			}
			if got := s.ListAnalyses(ctx, 999, 10); len(got) != 0 {
				t.Fatalf("expected no analyses for unknown account, got %+v", got)
			}
		})
	}
}

func TestVerifyAccount_UpgradesLegacyDigest(t *testing.T) {
	dir := t.TempDir()
	legacy := fmt.Sprintf(`{"mohan": {"password_hash": %q}}`, password.LegacyDigest("old-pass"))
	if err := os.WriteFile(filepath.Join(dir, flatfile.AccountsFile), []byte(legacy), 0o644); err != nil {
		t.Fatalf("write accounts: %v", err)
	}

	s := openStore(t, storeConfig(dir, ""))
	ctx := context.Background()

	a, ok := s.VerifyAccount(ctx, "mohan", "old-pass")
	if !ok {
		t.Fatalf("expected legacy digest to verify")
	}
	if !strings.HasPrefix(a.PasswordHash, "$2") {
		t.Fatalf("expected digest upgraded to bcrypt, got %q", a.PasswordHash)
	}
	stored, _ := s.GetAccount(ctx, a.ID)
	if stored.PasswordHash != a.PasswordHash {
		t.Fatalf("upgraded digest was not persisted")
	}
	if _, ok := s.VerifyAccount(ctx, "mohan", "old-pass"); !ok {
		t.Fatalf("expected upgraded digest to verify")
	}
}

// faultyBackend fails every call with a non-sentinel error.
type faultyBackend struct{ err error }

func (f faultyBackend) CreateAccount(context.Context, *models.Account) error { return f.err }
func (f faultyBackend) GetAccount(context.Context, int64) (*models.Account, error) {
	return nil, f.err
}
func (f faultyBackend) GetAccountByUsername(context.Context, string) (*models.Account, error) {
	return nil, f.err
}
func (f faultyBackend) UpdateAccount(context.Context, int64, models.AccountUpdate) error {
	return f.err
}
func (f faultyBackend) UpsertProfile(context.Context, int64, models.ProfileFields) error {
	return f.err
}
func (f faultyBackend) GetProfile(context.Context, int64) (*models.Profile, error) {
	return nil, f.err
}
func (f faultyBackend) CreateAnalysis(context.Context, *models.Analysis) (int64, error) {
	return 0, f.err
}
func (f faultyBackend) ListAnalyses(context.Context, int64, int) ([]models.Analysis, error) {
	return nil, f.err
}
func (f faultyBackend) Name() string               { return "faulty" }
func (f faultyBackend) Ping(context.Context) error { return f.err }
func (f faultyBackend) Close() error               { return nil }

func TestLookupFaultsLookLikeNotFound(t *testing.T) {
	fault := fmt.Errorf("%w: disk on fire", repository.ErrConnectivity)
	s := store.New(faultyBackend{err: fault}, password.NewBcrypt(bcrypt.MinCost), quietLogger())
	ctx := context.Background()

	if _, ok := s.VerifyAccount(ctx, "a", "b"); ok {
		t.Fatalf("VerifyAccount must report not found on fault")
	}
	if _, ok := s.GetAccount(ctx, 1); ok {
		t.Fatalf("GetAccount must report not found on fault")
	}
	if _, ok := s.GetProfile(ctx, 1); ok {
		t.Fatalf("GetProfile must report not found on fault")
	}
	if list := s.ListAnalyses(ctx, 1, 10); list == nil || len(list) != 0 {
		t.Fatalf("ListAnalyses must return an empty list on fault, got %#v", list)
	}

	// mutations surface the fault
	if _, err := s.CreateAccount(ctx, "a", "b", nil); !errors.Is(err, repository.ErrConnectivity) {
		t.Fatalf("expected ErrConnectivity from CreateAccount, got %v", err)
	}
	if _, err := s.SaveAnalysis(ctx, 1, models.KindPlant, nil, map[string]any{}); !errors.Is(err, repository.ErrConnectivity) {
		t.Fatalf("expected ErrConnectivity from SaveAnalysis, got %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, repository.ErrConnectivity) {
		t.Fatalf("expected ErrConnectivity from Ping, got %v", err)
	}
}
