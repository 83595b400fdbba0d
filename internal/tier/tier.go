// Package tier clamps requested session configuration to subscription
// tier ceilings.
package tier

import (
	"context"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/ledger"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// Tier names a subscription tier.
type Tier string

const (
	Free       Tier = config.TierFree
	Pro        Tier = config.TierPro
	Enterprise Tier = config.TierEnterprise
)

// Limits are the ceilings, and defaults, for one tier.
type Limits struct {
	MaxParallelSubagents  int
	MaxTokensPerSession   int
	SessionTimeoutMinutes int
	Capabilities          []string
	DailyTokenQuota       int64
	MonthlyTokenQuota     int64
}

// Table maps tiers to their limits.
type Table map[Tier]Limits

// TableFromConfig converts the configured tier table.
func TableFromConfig(tiers map[string]config.TierConfig) Table {
	t := make(Table, len(tiers))
	for name, tc := range tiers {
		caps := make([]string, len(tc.Capabilities))
		copy(caps, tc.Capabilities)
		t[Tier(strings.ToLower(name))] = Limits{
			MaxParallelSubagents:  tc.MaxParallelSubagents,
			MaxTokensPerSession:   tc.MaxTokensPerSession,
			SessionTimeoutMinutes: tc.SessionTimeoutMinutes,
			Capabilities:          caps,
			DailyTokenQuota:       tc.DailyTokenQuota,
			MonthlyTokenQuota:     tc.MonthlyTokenQuota,
		}
	}
	return t
}

// DefaultTable returns the built-in tier table.
func DefaultTable() Table {
	return TableFromConfig(config.DefaultTiers())
}

// Resolver clamps requested configurations. It never fails.
type Resolver struct {
	table Table
}

// NewResolver creates a Resolver over table. A table without a free tier
// gets the built-in free limits so unknown tiers always have a fallback.
func NewResolver(table Table) *Resolver {
	if _, ok := table[Free]; !ok {
		t := make(Table, len(table)+1)
		for k, v := range table {
			t[k] = v
		}
		t[Free] = DefaultTable()[Free]
		table = t
	}
	return &Resolver{table: table}
}

// Limits returns the limits for tier, falling back to the free tier.
func (r *Resolver) Limits(tier Tier) Limits {
	if l, ok := r.table[tier]; ok {
		return l
	}
	return r.table[Free]
}

// Resolve clamps requested to tier. Each numeric field becomes
// min(requested, ceiling), or the ceiling when not requested.
// Capabilities become the intersection of the requested set and the
// tier's permitted set, or the whole permitted set when none were
// requested.
func (r *Resolver) Resolve(requested session.Config, tier Tier) session.Config {
	l := r.Limits(tier)
	return session.Config{
		MaxParallelSubagents:  clamp(requested.MaxParallelSubagents, l.MaxParallelSubagents),
		MaxTokensPerSession:   clamp(requested.MaxTokensPerSession, l.MaxTokensPerSession),
		SessionTimeoutMinutes: clamp(requested.SessionTimeoutMinutes, l.SessionTimeoutMinutes),
		AllowedCapabilities:   intersect(requested.AllowedCapabilities, l.Capabilities),
	}
}

func clamp(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

func intersect(requested, permitted []string) []string {
	if len(requested) == 0 {
		out := make([]string, len(permitted))
		copy(out, permitted)
		sort.Strings(out)
		return out
	}
	allowed := make(map[string]bool, len(permitted))
	for _, p := range permitted {
		allowed[p] = true
	}
	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, c := range requested {
		if allowed[c] && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Lookup resolves an owner's tier.
type Lookup interface {
	Tier(ctx context.Context, ownerID string) Tier
}

// StaticLookup maps owners to tiers from configuration.
type StaticLookup struct {
	owners   map[string]Tier
	fallback Tier
}

// NewStaticLookup builds a lookup from the owners section of config.
func NewStaticLookup(cfg config.OwnersConfig) *StaticLookup {
	owners := make(map[string]Tier, len(cfg.Tiers))
	for owner, t := range cfg.Tiers {
		owners[owner] = Tier(strings.ToLower(t))
	}
	fallback := Tier(strings.ToLower(cfg.DefaultTier))
	if fallback == "" {
		fallback = Free
	}
	return &StaticLookup{owners: owners, fallback: fallback}
}

// Tier implements Lookup.
func (s *StaticLookup) Tier(_ context.Context, ownerID string) Tier {
	if t, ok := s.owners[ownerID]; ok {
		return t
	}
	return s.fallback
}

// Policy combines a Lookup and a Resolver. It satisfies session.Resolver
// and supplies the ledger's per-owner quotas.
type Policy struct {
	lookup   Lookup
	resolver *Resolver
}

// NewPolicy creates a Policy.
func NewPolicy(lookup Lookup, resolver *Resolver) *Policy {
	return &Policy{lookup: lookup, resolver: resolver}
}

// ConfigFor implements session.Resolver.
func (p *Policy) ConfigFor(ctx context.Context, ownerID string, requested session.Config) (session.Config, string) {
	t := p.lookup.Tier(ctx, ownerID)
	if _, ok := p.resolver.table[t]; !ok {
		t = Free
	}
	return p.resolver.Resolve(requested, t), string(t)
}

// Quota returns ownerID's ledger quota.
func (p *Policy) Quota(ctx context.Context, ownerID string) ledger.Quota {
	t := p.lookup.Tier(ctx, ownerID)
	if _, ok := p.resolver.table[t]; !ok {
		t = Free
	}
	l := p.resolver.Limits(t)
	return ledger.Quota{Tier: string(t), Daily: l.DailyTokenQuota, Monthly: l.MonthlyTokenQuota}
}
