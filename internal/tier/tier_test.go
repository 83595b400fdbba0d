package tier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/ledger"
	"github.com/fyrsmithlabs/forged/internal/session"
)

func TestResolve_FreeTierClampsSubagents(t *testing.T) {
	r := NewResolver(DefaultTable())

	got := r.Resolve(session.Config{MaxParallelSubagents: 10}, Free)
	assert.Equal(t, 2, got.MaxParallelSubagents)
}

func TestResolve_TakesMinimum(t *testing.T) {
	r := NewResolver(DefaultTable())

	tests := []struct {
		name      string
		requested session.Config
		tier      Tier
		want      session.Config
	}{
		{
			name:      "below ceiling is kept",
			requested: session.Config{MaxParallelSubagents: 3, MaxTokensPerSession: 20_000, SessionTimeoutMinutes: 5},
			tier:      Pro,
			want: session.Config{
				MaxParallelSubagents: 3, MaxTokensPerSession: 20_000, SessionTimeoutMinutes: 5,
				AllowedCapabilities: []string{"codegen", "package_install", "preview", "sandbox"},
			},
		},
		{
			name:      "above ceiling is clamped",
			requested: session.Config{MaxParallelSubagents: 50, MaxTokensPerSession: 1_000_000, SessionTimeoutMinutes: 9999},
			tier:      Enterprise,
			want: session.Config{
				MaxParallelSubagents: 10, MaxTokensPerSession: 100_000, SessionTimeoutMinutes: 240,
				AllowedCapabilities: []string{"codegen", "deploy", "network", "package_install", "preview", "sandbox"},
			},
		},
		{
			name:      "nothing requested falls back to tier defaults",
			requested: session.Config{},
			tier:      Free,
			want: session.Config{
				MaxParallelSubagents: 2, MaxTokensPerSession: 10_000, SessionTimeoutMinutes: 15,
				AllowedCapabilities: []string{"codegen", "preview"},
			},
		},
		{
			name:      "negative values are treated as unset",
			requested: session.Config{MaxParallelSubagents: -1, MaxTokensPerSession: -5},
			tier:      Free,
			want: session.Config{
				MaxParallelSubagents: 2, MaxTokensPerSession: 10_000, SessionTimeoutMinutes: 15,
				AllowedCapabilities: []string{"codegen", "preview"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.requested, tt.tier))
		})
	}
}

func TestResolve_CapabilityIntersection(t *testing.T) {
	r := NewResolver(DefaultTable())

	got := r.Resolve(session.Config{AllowedCapabilities: []string{"deploy", "preview", "preview", "teleport"}}, Free)
	assert.Equal(t, []string{"preview"}, got.AllowedCapabilities)

	got = r.Resolve(session.Config{AllowedCapabilities: []string{"teleport"}}, Free)
	assert.Empty(t, got.AllowedCapabilities, "no overlap grants nothing")
}

func TestResolve_UnknownTierFallsBackToFree(t *testing.T) {
	r := NewResolver(DefaultTable())

	got := r.Resolve(session.Config{MaxParallelSubagents: 10}, Tier("platinum"))
	assert.Equal(t, 2, got.MaxParallelSubagents)
}

func TestNewResolver_AddsFreeFallback(t *testing.T) {
	r := NewResolver(Table{Pro: DefaultTable()[Pro]})
	assert.Equal(t, 2, r.Limits("missing").MaxParallelSubagents)
}

func TestStaticLookup(t *testing.T) {
	l := NewStaticLookup(config.OwnersConfig{
		DefaultTier: "pro",
		Tiers:       map[string]string{"acme": "Enterprise"},
	})

	assert.Equal(t, Enterprise, l.Tier(context.Background(), "acme"))
	assert.Equal(t, Pro, l.Tier(context.Background(), "someone"))

	assert.Equal(t, Free, NewStaticLookup(config.OwnersConfig{}).Tier(context.Background(), "x"))
}

func TestPolicy(t *testing.T) {
	p := NewPolicy(
		NewStaticLookup(config.OwnersConfig{DefaultTier: "free", Tiers: map[string]string{"acme": "pro"}}),
		NewResolver(DefaultTable()),
	)
	ctx := context.Background()

	cfg, tierName := p.ConfigFor(ctx, "acme", session.Config{MaxParallelSubagents: 10})
	assert.Equal(t, "pro", tierName)
	assert.Equal(t, 5, cfg.MaxParallelSubagents)

	assert.Equal(t, ledger.Quota{Tier: "free", Daily: 50_000, Monthly: 500_000}, p.Quota(ctx, "nobody"))
	assert.Equal(t, "pro", p.Quota(ctx, "acme").Tier)
}
