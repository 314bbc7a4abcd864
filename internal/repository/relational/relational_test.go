package relational_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	dbpkg "github.com/garnizeh/krishi/internal/db"
	"github.com/garnizeh/krishi/internal/repository/relational"
	"github.com/garnizeh/krishi/internal/retry"
	"github.com/garnizeh/krishi/pkg/models"
	"github.com/garnizeh/krishi/pkg/repository"
)

func TestMain(m *testing.M) {
	defer goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func setupRepo(t *testing.T) *relational.Repo {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	d, err := dbpkg.New(ctx, "sqlite://"+filepath.Join(t.TempDir(), "krishi.db"), dbpkg.Options{
		Retry:  retry.Policy{Attempts: 2, Interval: time.Millisecond},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbpkg.Migrate(ctx, d); err != nil {
		d.Close()
		t.Fatalf("failed to migrate: %v", err)
	}

	repo := relational.New(d, logger)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func str(s string) *string { return &s }

func createAccount(t *testing.T, repo *relational.Repo, username string) *models.Account {
	t.Helper()
	a := &models.Account{Username: username, PasswordHash: "digest-" + username}
	if err := repo.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount(%s) error: %v", username, err)
	}
	return a
}

func TestAccountCRUD(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.CreateAccount(ctx, nil); err == nil {
		t.Fatalf("expected error when creating nil account")
	}

	if _, err := repo.GetAccount(ctx, 9999); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
	if _, err := repo.GetAccountByUsername(ctx, "nobody"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown username, got %v", err)
	}

	a := &models.Account{Username: "ramesh", PasswordHash: "digest", Email: str("ramesh@example.com")}
	if err := repo.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	if a.ID == 0 || a.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamps to be filled: %#v", a)
	}
	if a.ProfileComplete {
		t.Fatalf("profile_complete must default to false")
	}

	got, err := repo.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if got.Username != "ramesh" || got.PasswordHash != "digest" || got.Email == nil || *got.Email != "ramesh@example.com" {
		t.Fatalf("GetAccount wrong result: %#v", got)
	}

	// usernames are case-sensitive
	if _, err := repo.GetAccountByUsername(ctx, "Ramesh"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected case-sensitive lookup, got %v", err)
	}

	if err := repo.UpdateAccount(ctx, a.ID, models.AccountUpdate{Email: str("new@example.com")}); err != nil {
		t.Fatalf("UpdateAccount error: %v", err)
	}
	got, _ = repo.GetAccountByUsername(ctx, "ramesh")
	if got.Email == nil || *got.Email != "new@example.com" || got.PasswordHash != "digest" {
		t.Fatalf("UpdateAccount changed the wrong fields: %#v", got)
	}

	if err := repo.UpdateAccount(ctx, 9999, models.AccountUpdate{Email: str("x")}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating unknown account, got %v", err)
	}
}

func TestCreateAccount_Duplicate(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	first := createAccount(t, repo, "sunita")

	dup := &models.Account{Username: "sunita", PasswordHash: "other"}
	if err := repo.CreateAccount(ctx, dup); !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := repo.GetAccount(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if got.PasswordHash != first.PasswordHash {
		t.Fatalf("duplicate create must not touch the first account: %#v", got)
	}
}

func TestUpsertProfile_PartialMerge(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := createAccount(t, repo, "vijay")

	if _, err := repo.GetProfile(ctx, a.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected no profile before first upsert, got %v", err)
	}

	if err := repo.UpsertProfile(ctx, a.ID, models.ProfileFields{Location: str("X")}); err != nil {
		t.Fatalf("first UpsertProfile error: %v", err)
	}
	acc, _ := repo.GetAccount(ctx, a.ID)
	if !acc.ProfileComplete {
		t.Fatalf("expected profile_complete after first upsert")
	}

	if err := repo.UpsertProfile(ctx, a.ID, models.ProfileFields{FarmName: str("Y")}); err != nil {
		t.Fatalf("second UpsertProfile error: %v", err)
	}

	p, err := repo.GetProfile(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetProfile error: %v", err)
	}
	if p.Location != "X" || p.FarmName != "Y" {
		t.Fatalf("expected both fields kept, got location=%q farm_name=%q", p.Location, p.FarmName)
	}
	acc, _ = repo.GetAccount(ctx, a.ID)
	if !acc.ProfileComplete {
		t.Fatalf("expected profile_complete after second upsert")
	}
}

func TestUpsertProfile_UnknownAccount(t *testing.T) {
	repo := setupRepo(t)
	err := repo.UpsertProfile(context.Background(), 42, models.ProfileFields{Location: str("Pune")})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAnalyses_Ordering(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := createAccount(t, repo, "meena")
	other := createAccount(t, repo, "other")

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := repo.CreateAnalysis(ctx, &models.Analysis{
			AccountID: a.ID,
			Kind:      models.KindPlant,
			Result:    models.Payload{"seq": i},
		})
		if err != nil {
			t.Fatalf("CreateAnalysis error: %v", err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := repo.CreateAnalysis(ctx, &models.Analysis{AccountID: other.ID, Kind: models.KindSoil}); err != nil {
		t.Fatalf("CreateAnalysis for other account error: %v", err)
	}

	got, err := repo.ListAnalyses(ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("ListAnalyses error: %v", err)
	}
	if len(got) != 2 || got[0].ID != ids[2] || got[1].ID != ids[1] {
		t.Fatalf("expected [t3, t2] = [%d, %d], got %+v", ids[2], ids[1], got)
	}
	if !got[0].CreatedAt.After(got[1].CreatedAt) {
		t.Fatalf("expected descending timestamps: %s then %s", got[0].CreatedAt, got[1].CreatedAt)
	}

	all, err := repo.ListAnalyses(ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("ListAnalyses error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected no cap with limit 0, got %d", len(all))
	}
}

type tensorScalar struct{ v float32 }

func (s tensorScalar) Float64() float64 { return float64(s.v) }

func TestCreateAnalysis_PayloadCoercion(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := createAccount(t, repo, "prakash")

	id, err := repo.CreateAnalysis(ctx, &models.Analysis{
		AccountID: a.ID,
		Kind:      models.KindPlant,
		ImagePath: str("uploads/leaf.jpg"),
		Result: models.Payload{
			"disease":    "early blight",
			"confidence": tensorScalar{v: 0.875},
			"scores":     []any{json.Number("0.5"), tensorScalar{v: 0.25}},
		},
	})
	if err != nil {
		t.Fatalf("CreateAnalysis error: %v", err)
	}

	list, err := repo.ListAnalyses(ctx, a.ID, 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListAnalyses = %v, %v", list, err)
	}
	got := list[0]
	if got.ID != id || got.Kind != models.KindPlant || got.ImagePath == nil || *got.ImagePath != "uploads/leaf.jpg" {
		t.Fatalf("unexpected analysis: %+v", got)
	}
	conf, ok := got.Result["confidence"].(float64)
	if !ok || conf != 0.875 {
		t.Fatalf("expected native float 0.875, got %#v", got.Result["confidence"])
	}
	scores, ok := got.Result["scores"].([]any)
	if !ok || len(scores) != 2 || scores[0] != 0.5 || scores[1] != 0.25 {
		t.Fatalf("unexpected scores: %#v", got.Result["scores"])
	}
}

func TestCreateAnalysis_Rejects(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	a := createAccount(t, repo, "kiran")

	if _, err := repo.CreateAnalysis(ctx, nil); err == nil {
		t.Fatalf("expected error for nil analysis")
	}
	_, err := repo.CreateAnalysis(ctx, &models.Analysis{
		AccountID: a.ID,
		Kind:      models.KindSoil,
		Result:    models.Payload{"ph": make(chan int)},
	})
	if !errors.Is(err, repository.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	_, err = repo.CreateAnalysis(ctx, &models.Analysis{AccountID: 777, Kind: models.KindSoil})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown account, got %v", err)
	}
}

func TestName(t *testing.T) {
	repo := setupRepo(t)
	if repo.Name() != "relational/sqlite" {
		t.Fatalf("unexpected backend name %q", repo.Name())
	}
	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
}

func TestBackupTo(t *testing.T) {
	repo := setupRepo(t)
	createAccount(t, repo, "backup")

	dst := filepath.Join(t.TempDir(), "copy.db")
	if err := repo.BackupTo(context.Background(), dst); err != nil {
		t.Fatalf("BackupTo error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := dbpkg.New(context.Background(), "sqlite://"+dst, dbpkg.Options{Logger: logger})
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	copied := relational.New(d, logger)
	defer copied.Close()
	if _, err := copied.GetAccountByUsername(context.Background(), "backup"); err != nil {
		t.Fatalf("backup is missing the account: %v", err)
	}
}
