package flatfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/garnizeh/krishi/pkg/models"
)

// Document file names inside the data directory.
const (
	AccountsFile = "accounts.json"
	ProfilesFile = "profiles.json"
	AnalysesFile = "analyses.json"
	SequenceFile = "sequence.json"
	LockFile     = ".krishi.lock"
)

// Files lists every document the store maintains, in write order.
var Files = []string{AccountsFile, ProfilesFile, AnalysesFile, SequenceFile}

// accountDoc is one entry of accounts.json, keyed by username.
type accountDoc struct {
	ID              int64     `json:"id"`
	PasswordHash    string    `json:"password_hash"`
	Email           *string   `json:"email,omitempty"`
	ProfileComplete bool      `json:"profile_complete"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (d *accountDoc) model(username string) *models.Account {
	return &models.Account{
		ID:              d.ID,
		Username:        username,
		PasswordHash:    d.PasswordHash,
		Email:           d.Email,
		ProfileComplete: d.ProfileComplete,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

// sequence holds the last identifier handed out per collection.
type sequence struct {
	Account  int64 `json:"account"`
	Analysis int64 `json:"analysis"`
}

type dirty uint8

const (
	dirtyAccounts dirty = 1 << iota
	dirtyProfiles
	dirtyAnalyses
	dirtySequence
)

// state is the in-memory image of the data directory for one locked cycle.
type state struct {
	accounts map[string]*accountDoc
	profiles map[string]*models.Profile
	analyses []models.Analysis
	seq      sequence

	missing map[string]bool
	corrupt map[string]bool // unparseable on disk; quarantined before the first overwrite
	changed dirty
}

func (s *state) touch(d dirty) { s.changed |= d }

func (s *state) accountByID(id int64) (string, *accountDoc, bool) {
	for name, doc := range s.accounts {
		if doc.ID == id {
			return name, doc, true
		}
	}
	return "", nil, false
}

func (s *state) nextAccountID() int64 {
	s.seq.Account++
	s.touch(dirtySequence)
	return s.seq.Account
}

func (s *state) nextAnalysisID() int64 {
	s.seq.Analysis++
	s.touch(dirtySequence)
	return s.seq.Analysis
}

// seed raises the counters to at least the highest identifier on disk.
func (s *state) seed() {
	for _, doc := range s.accounts {
		if doc.ID > s.seq.Account {
			s.seq.Account = doc.ID
		}
	}
	for _, a := range s.analyses {
		if a.ID > s.seq.Analysis {
			s.seq.Analysis = a.ID
		}
	}
}

func profileKey(accountID int64) string { return strconv.FormatInt(accountID, 10) }

// readJSON decodes path into v. A missing or empty file leaves v untouched
// and reports missing; malformed content is returned as an error.
func readJSON(path string, v any) (missing bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return false, nil
}

// checkDocuments decodes every document in dir into its typed shape.
func checkDocuments(dir string) error {
	targets := map[string]any{
		AccountsFile: &map[string]*accountDoc{},
		ProfilesFile: &map[string]*models.Profile{},
		AnalysesFile: &[]models.Analysis{},
		SequenceFile: &sequence{},
	}
	for _, name := range Files {
		if _, err := readJSON(filepath.Join(dir, name), targets[name]); err != nil {
			return err
		}
	}
	return nil
}

// quarantine moves a corrupt document aside so its bytes survive the
// rewrite that follows.
func quarantine(path string, now time.Time) (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", path, now.UnixNano())
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", filepath.Base(path), err)
	}
	return dst, nil
}

// writeJSON replaces path atomically with the pretty-printed encoding of v.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
