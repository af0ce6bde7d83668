// Package artifacts persists per-case outputs. A case directory is only ever
// visible complete: files are staged elsewhere and published by rename.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/faults"
)

// Artifact names within a case directory.
const (
	Editable     = "editable.pdf"
	Flattened    = "flattened.pdf"
	ReportText   = "missing-fields.txt"
	ReportJSON   = "missing-fields.json"
	ReportPDF    = "missing-fields.pdf"
	ManifestName = "manifest.json"
)

var known = map[string]bool{
	Editable: true, Flattened: true, ReportText: true,
	ReportJSON: true, ReportPDF: true, ManifestName: true,
}

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidName = errors.New("invalid artifact or case name")
)

// Artifact is one named output.
type Artifact struct {
	Name string
	Data []byte
}

// Manifest describes a published case directory.
type Manifest struct {
	CaseID      string            `json:"case_id"`
	Fingerprint string            `json:"fingerprint"`
	ContentHash string            `json:"field_content_digest"`
	Files       map[string]string `json:"files"`
}

// Store persists case artifacts.
type Store interface {
	Publish(ctx context.Context, caseID string, m Manifest, files []Artifact) error
	Read(caseID, name string) ([]byte, error)
	Manifest(caseID string) (*Manifest, error)
}

// FSStore keeps each case in root/<case id>.
type FSStore struct {
	root     string
	attempts uint
	backoff  time.Duration
	logger   *zap.Logger
}

// NewFSStore creates root if needed.
func NewFSStore(root string, attempts uint, logger *zap.Logger) (*FSStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if attempts == 0 {
		attempts = 3
	}
	if err := os.MkdirAll(filepath.Join(root, ".staging"), 0o755); err != nil {
		return nil, &faults.PersistenceError{Op: "init", Err: err}
	}
	return &FSStore{root: root, attempts: attempts, backoff: 200 * time.Millisecond, logger: logger}, nil
}

// Publish writes files and the manifest, then swaps them into place. On any
// error, including cancellation, nothing is left in the case directory that
// was not there before.
func (s *FSStore) Publish(ctx context.Context, caseID string, m Manifest, files []Artifact) error {
	if !ValidCaseID(caseID) {
		return &faults.PersistenceError{Op: "publish", Err: ErrInvalidName}
	}
	for _, f := range files {
		if !known[f.Name] || f.Name == ManifestName {
			return &faults.PersistenceError{Op: "publish", Err: fmt.Errorf("%w: %q", ErrInvalidName, f.Name)}
		}
	}

	m.CaseID = caseID
	m.Files = make(map[string]string, len(files))
	for _, f := range files {
		sum := sha256.Sum256(f.Data)
		m.Files[f.Name] = hex.EncodeToString(sum[:])
	}
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &faults.PersistenceError{Op: "publish", Err: err}
	}
	files = append(append([]Artifact(nil), files...), Artifact{Name: ManifestName, Data: manifest})

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		err := s.publishOnce(ctx, caseID, files)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if err != nil {
			s.logger.Warn("artifact publish failed",
				zap.String("case_id", caseID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.backoff
	if _, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(s.attempts)); err != nil {
		return &faults.PersistenceError{Op: "publish", Err: err}
	}
	return nil
}

func (s *FSStore) publishOnce(ctx context.Context, caseID string, files []Artifact) error {
	staging := filepath.Join(s.root, ".staging", caseID+"-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(staging)
		}
	}()

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeSynced(filepath.Join(staging, f.Name), f.Data); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	final := filepath.Join(s.root, caseID)
	var old string
	if _, err := os.Stat(final); err == nil {
		old = filepath.Join(s.root, ".staging", caseID+"-old-"+uuid.NewString())
		if err := os.Rename(final, old); err != nil {
			return err
		}
	}
	if err := os.Rename(staging, final); err != nil {
		if old != "" {
			_ = os.Rename(old, final)
		}
		return err
	}
	published = true
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read returns one artifact of a published case.
func (s *FSStore) Read(caseID, name string) ([]byte, error) {
	if !ValidCaseID(caseID) || !known[name] {
		return nil, ErrInvalidName
	}
	b, err := os.ReadFile(filepath.Join(s.root, caseID, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// Manifest returns the manifest of a published case.
func (s *FSStore) Manifest(caseID string) (*Manifest, error) {
	b, err := s.Read(caseID, ManifestName)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Names lists the artifacts recorded in m, sorted.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Files))
	for n := range m.Files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidCaseID reports whether id can name a case directory.
func ValidCaseID(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.HasPrefix(s, ".") &&
		!strings.ContainsAny(s, `/\`) && filepath.Base(s) == s
}
