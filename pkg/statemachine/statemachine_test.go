package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudforge/anvil/pkg/types"
)

func validDefinition() Definition {
	return Definition{
		Kind:    types.KindHost,
		Initial: "provisioning",
		Fatal:   "failed",
		States: map[string]StateSpec{
			"provisioning": {SLA: 10 * time.Minute, Next: []string{"ready", "failed"}},
			"ready":        {Unbounded: true, Next: []string{"failed"}},
			"failed":       {Unbounded: true, Terminal: true},
		},
	}
}

// TestValidate tests graph invariant checking
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{
			name:   "valid graph",
			mutate: func(d *Definition) {},
		},
		{
			name:    "undeclared initial state",
			mutate:  func(d *Definition) { d.Initial = "bootstrapping" },
			wantErr: "initial state",
		},
		{
			name:    "undeclared fatal state",
			mutate:  func(d *Definition) { d.Fatal = "broken" },
			wantErr: "fatal state",
		},
		{
			name: "non-terminal fatal state",
			mutate: func(d *Definition) {
				d.States["failed"] = StateSpec{Unbounded: true}
				d.States["failed"] = StateSpec{Unbounded: true, Next: []string{"ready"}}
			},
			wantErr: "must be terminal",
		},
		{
			name: "transition to undeclared state",
			mutate: func(d *Definition) {
				d.States["ready"] = StateSpec{Unbounded: true, Next: []string{"rebooting"}}
			},
			wantErr: "undeclared state",
		},
		{
			name: "state without SLA or unbounded flag",
			mutate: func(d *Definition) {
				d.States["provisioning"] = StateSpec{Next: []string{"ready", "failed"}}
			},
			wantErr: "neither an SLA nor the unbounded flag",
		},
		{
			name: "terminal state with transitions",
			mutate: func(d *Definition) {
				d.States["failed"] = StateSpec{Unbounded: true, Terminal: true, Next: []string{"ready"}}
			},
			wantErr: "declares transitions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			err := def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

// TestAllowed tests transition edge lookups
func TestAllowed(t *testing.T) {
	def := New(validDefinition())

	assert.True(t, def.Allowed("provisioning", "ready"))
	assert.True(t, def.Allowed("provisioning", "failed"))
	assert.False(t, def.Allowed("ready", "provisioning"))
	assert.False(t, def.Allowed("failed", "ready"))
	assert.False(t, def.Allowed("missing", "ready"))
}

// TestEvaluateSLA tests dwell time evaluation against the static table
func TestEvaluateSLA(t *testing.T) {
	def := New(validDefinition())

	tests := []struct {
		name        string
		state       string
		timeInState time.Duration
		wantAbove   bool
	}{
		{"within SLA", "provisioning", 5 * time.Minute, false},
		{"exactly at SLA", "provisioning", 10 * time.Minute, false},
		{"above SLA", "provisioning", 11 * time.Minute, true},
		{"unbounded state never above", "ready", 400 * 24 * time.Hour, false},
		{"unknown state always above", "ghost", time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := def.EvaluateSLA(tt.state, tt.timeInState)
			assert.Equal(t, tt.wantAbove, verdict.AboveSLA)
		})
	}
}

// TestNewPanicsOnInvalidGraph verifies broken definitions fail at startup
func TestNewPanicsOnInvalidGraph(t *testing.T) {
	def := validDefinition()
	def.Initial = "nope"
	assert.Panics(t, func() { New(def) })
}
