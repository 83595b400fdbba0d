// Package guard screens prompts for instruction-injection attempts before
// any generation work is done.
package guard

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
)

var rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forged",
	Subsystem: "guard",
	Name:      "rejections_total",
	Help:      "Prompts rejected by the security filter, by rule.",
}, []string{"rule"})

// Verdict is the outcome of screening one prompt.
type Verdict struct {
	Allowed  bool
	RuleID   string
	Reason   string
	Severity string
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Filter screens prompts against built-in and operator-supplied rules.
// It is safe for concurrent use; extra rules are swapped atomically.
type Filter struct {
	builtin []compiledRule
	extra   atomic.Pointer[[]compiledRule]
	logger  *logging.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithLogger sets the audit logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Filter) { f.logger = l }
}

// New creates a Filter with the built-in rules.
func New(opts ...Option) (*Filter, error) {
	builtin, err := compile(DefaultRules())
	if err != nil {
		return nil, err
	}
	f := &Filter{builtin: builtin, logger: logging.NewNop()}
	empty := []compiledRule{}
	f.extra.Store(&empty)
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func compile(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", r.ID)
		}
		switch r.Severity {
		case "":
			r.Severity = SeverityMedium
		case SeverityLow, SeverityMedium, SeverityHigh:
		default:
			return nil, fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		out = append(out, compiledRule{Rule: r, re: re})
	}
	return out, nil
}

// Screen tests prompt against every rule. The first match rejects.
func (f *Filter) Screen(ctx context.Context, prompt string) Verdict {
	if v, ok := match(f.builtin, prompt); ok {
		return f.reject(ctx, v)
	}
	if v, ok := match(*f.extra.Load(), prompt); ok {
		return f.reject(ctx, v)
	}
	return Verdict{Allowed: true}
}

func match(rules []compiledRule, prompt string) (Verdict, bool) {
	for _, r := range rules {
		if r.re.MatchString(prompt) {
			return Verdict{RuleID: r.ID, Reason: r.Description, Severity: r.Severity}, true
		}
	}
	return Verdict{}, false
}

func (f *Filter) reject(ctx context.Context, v Verdict) Verdict {
	rejectionsTotal.WithLabelValues(v.RuleID).Inc()
	f.logger.Warn(ctx, "prompt rejected by security filter",
		zap.String("rule", v.RuleID),
		zap.String("reason", v.Reason),
		zap.String("severity", v.Severity),
	)
	return v
}

// Rules returns the ids of every active rule.
func (f *Filter) Rules() []string {
	extra := *f.extra.Load()
	ids := make([]string, 0, len(f.builtin)+len(extra))
	for _, r := range f.builtin {
		ids = append(ids, r.ID)
	}
	for _, r := range extra {
		ids = append(ids, r.ID)
	}
	return ids
}

type rulesFile struct {
	Rules []Rule `toml:"rules"`
}

// LoadFile replaces the operator rules with those in path. Built-in rules
// are unaffected. On error the previous operator rules stay active.
func (f *Filter) LoadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured path
	if err != nil {
		return fmt.Errorf("reading guard rules: %w", err)
	}
	var rf rulesFile
	if err := toml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parsing guard rules %s: %w", path, err)
	}
	compiled, err := compile(rf.Rules)
	if err != nil {
		return err
	}
	f.extra.Store(&compiled)
	return nil
}
