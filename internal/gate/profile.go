// Package gate screens normalized candidates for secrets and PII, scores
// them against a versioned rubric profile, and decides promotion.
package gate

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ingest-cli/internal/model"
)

// ProfileStore loads gate profiles from a directory of YAML files, one
// per (domain, language) pair, e.g. finance.en.yaml. Profiles are read
// once per document so a mid-document retune can never split a run
// across rubric versions.
type ProfileStore struct {
	dir string
}

func NewProfileStore(dir string) *ProfileStore {
	return &ProfileStore{dir: dir}
}

// Load returns the tuned profile for the (domain, language) pair,
// falling back to domain default, then the built-in default.
func (s *ProfileStore) Load(domain, language string) model.GateProfile {
	if s.dir != "" {
		for _, name := range candidateFiles(domain, language) {
			p, err := s.loadFile(filepath.Join(s.dir, name))
			if err == nil {
				return p
			}
			if !os.IsNotExist(eris.Cause(err)) {
				zap.L().Warn("gate profile unreadable, trying fallback",
					zap.String("file", name), zap.Error(err))
			}
		}
	}
	p := model.DefaultGateProfile()
	p.Domain = domain
	p.Language = language
	return p
}

func candidateFiles(domain, language string) []string {
	domain = sanitize(domain)
	language = sanitize(language)
	var names []string
	if domain != "" && language != "" {
		names = append(names, domain+"."+language+".yaml")
	}
	if domain != "" {
		names = append(names, domain+".yaml")
	}
	names = append(names, "default.yaml")
	return names
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return -1
	}, s)
}

func (s *ProfileStore) loadFile(path string) (model.GateProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.GateProfile{}, eris.Wrap(err, "gate: read profile")
	}
	var p model.GateProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return model.GateProfile{}, eris.Wrap(err, "gate: parse profile")
	}
	if err := validateProfile(p); err != nil {
		return model.GateProfile{}, err
	}
	return p, nil
}

func validateProfile(p model.GateProfile) error {
	if p.Version < 1 {
		return eris.New("gate: profile version must be >= 1")
	}
	if p.AutoPromoteThreshold <= p.RejectThreshold {
		return eris.New("gate: auto-promote threshold must exceed reject threshold")
	}
	for _, t := range []float64{p.AutoPromoteThreshold, p.HumanReviewThreshold, p.RejectThreshold} {
		if t < 0 || t > 1 {
			return eris.Errorf("gate: threshold %.2f outside [0,1]", t)
		}
	}
	return nil
}
