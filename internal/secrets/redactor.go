package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Secret string
}

// Redactor replaces detected secrets with [REDACTED:<rule>] markers.
// Detector construction loads several hundred rules, so one Redactor is
// built per process and shared.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewRedactor builds a Redactor with the default Gitleaks configuration.
func NewRedactor() (*Redactor, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	return &Redactor{detector: d}, nil
}

// Detect returns the secrets found in content.
func (r *Redactor) Detect(content string) []Finding {
	if content == "" {
		return nil
	}
	r.mu.Lock()
	raw := r.detector.DetectString(content)
	r.mu.Unlock()

	out := make([]Finding, 0, len(raw))
	for _, f := range raw {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Secret: secret})
	}
	return out
}

// Redact returns content with every finding replaced, and the number of
// secrets removed.
func (r *Redactor) Redact(content string) (string, int) {
	findings := r.Detect(content)
	if len(findings) == 0 {
		return content, 0
	}
	// Longest first so a secret that contains another is replaced whole.
	sort.Slice(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})
	for _, f := range findings {
		content = strings.ReplaceAll(content, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return content, len(findings)
}
