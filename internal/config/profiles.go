package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-pafill/internal/domain/form"
)

// Profiles indexes per-form profiles by form version.
type Profiles struct {
	byVersion map[string]*form.Profile
}

// LoadProfilesDir loads profiles from dir. An empty dir yields no profiles.
func LoadProfilesDir(dir string) (*Profiles, error) {
	if dir == "" {
		return LoadProfiles(nil)
	}
	return LoadProfiles(os.DirFS(dir))
}

// LoadProfiles walks fsys and parses every YAML file as one form profile.
// When fsys is nil the returned set is empty.
func LoadProfiles(fsys fs.FS) (*Profiles, error) {
	p := &Profiles{byVersion: make(map[string]*form.Profile)}
	if fsys == nil {
		return p, nil
	}

	err := fs.WalkDir(fsys, ".", func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() || !isProfileFile(path) {
			return nil
		}

		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("profiles: read %s: %w", path, err)
		}

		var prof form.Profile
		if err := yaml.Unmarshal(data, &prof); err != nil {
			return fmt.Errorf("profiles: parse %s: %w", path, err)
		}

		version := strings.TrimSpace(prof.FormVersion)
		if version == "" {
			return fmt.Errorf("profiles: file %s has no form_version", path)
		}
		if _, exists := p.byVersion[version]; exists {
			return fmt.Errorf("profiles: duplicate form_version %q (file %s)", version, path)
		}
		for id, ov := range prof.Fields {
			if ov.Kind != "" && !ov.Kind.Valid() {
				return fmt.Errorf("profiles: %s: field %q has unknown kind %q", path, id, ov.Kind)
			}
		}

		p.byVersion[version] = &prof
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// For returns the profile for formVersion, or nil.
func (p *Profiles) For(formVersion string) *form.Profile {
	if p == nil {
		return nil
	}
	return p.byVersion[formVersion]
}

// Len returns the number of loaded profiles.
func (p *Profiles) Len() int {
	if p == nil {
		return 0
	}
	return len(p.byVersion)
}

func isProfileFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
