package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-pafill/internal/collaborator"
)

// CaseRequest is the wire and batch-file form of a case. Documents are given
// either inline or as paths; inline bytes win.
type CaseRequest struct {
	CaseID        string                 `json:"case_id" yaml:"case_id"`
	FormVersion   string                 `json:"form_version" yaml:"form_version"`
	TemplatePath  string                 `json:"template_path,omitempty" yaml:"template"`
	ReferralPath  string                 `json:"referral_path,omitempty" yaml:"referral"`
	Template      []byte                 `json:"template,omitempty" yaml:"-"`
	Referral      []byte                 `json:"referral,omitempty" yaml:"-"`
	ReferralText  []collaborator.Segment `json:"referral_text,omitempty" yaml:"-"`
	CorrelationID string                 `json:"correlation_id,omitempty" yaml:"correlation_id"`
}

// Input loads any referenced documents. Relative paths are resolved against
// baseDir.
func (r CaseRequest) Input(baseDir string) (CaseInput, error) {
	in := CaseInput{
		CaseID:        r.CaseID,
		FormVersion:   r.FormVersion,
		Template:      r.Template,
		Referral:      r.Referral,
		ReferralText:  r.ReferralText,
		CorrelationID: r.CorrelationID,
	}

	var err error
	if len(in.Template) == 0 && r.TemplatePath != "" {
		if in.Template, err = readDoc(baseDir, r.TemplatePath); err != nil {
			return CaseInput{}, err
		}
	}
	if len(in.Referral) == 0 && len(in.ReferralText) == 0 && r.ReferralPath != "" {
		if in.Referral, err = readDoc(baseDir, r.ReferralPath); err != nil {
			return CaseInput{}, err
		}
	}
	return in, nil
}

func readDoc(baseDir, path string) ([]byte, error) {
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return b, nil
}

// BatchFile lists cases for one batch run.
type BatchFile struct {
	Cases []CaseRequest `yaml:"cases"`
}

// ReadBatch decodes a YAML (or JSON) batch file.
func ReadBatch(r io.Reader) ([]CaseRequest, error) {
	var bf BatchFile
	if err := yaml.NewDecoder(r).Decode(&bf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty batch file", ErrInvalidInput)
		}
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	seen := make(map[string]bool, len(bf.Cases))
	for i, c := range bf.Cases {
		if c.CaseID == "" {
			return nil, fmt.Errorf("%w: case %d has no case_id", ErrInvalidInput, i)
		}
		if seen[c.CaseID] {
			return nil, fmt.Errorf("%w: duplicate case_id %q", ErrInvalidInput, c.CaseID)
		}
		seen[c.CaseID] = true
	}
	return bf.Cases, nil
}
