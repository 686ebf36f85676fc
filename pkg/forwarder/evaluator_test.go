package forwarder

import (
	"testing"

	"doh-gateway/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRuleEvaluator_Empty(t *testing.T) {
	e, err := NewRuleEvaluator(nil)
	require.NoError(t, err)
	assert.Zero(t, e.Count())

	_, ok := e.Match("nas.lan")
	assert.False(t, ok)

	var nilEvaluator *RuleEvaluator
	_, ok = nilEvaluator.Match("nas.lan")
	assert.False(t, ok)
}

func TestEvaluator_FirstMatchWins(t *testing.T) {
	e, err := NewRuleEvaluator([]config.ForwardingRule{
		{Name: "nas", Domains: []string{"nas.lan"}, Upstreams: []string{"10.0.0.2"}},
		{Name: "lan", Domains: []string{"*.lan"}, Upstreams: []string{"10.0.0.1:53", "10.0.0.3:5353"}},
		{Name: "corp", Domains: []string{"*.corp.example.com"}, Upstreams: []string{"172.16.0.1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, e.Count())

	tests := []struct {
		domain    string
		rule      string
		upstreams []string
	}{
		{"nas.lan", "nas", []string{"10.0.0.2:53"}},
		{"tv.lan", "lan", []string{"10.0.0.1:53", "10.0.0.3:5353"}},
		{"git.corp.example.com", "corp", []string{"172.16.0.1:53"}},
		{"example.com", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			rule, ok := e.Match(tt.domain)
			if tt.rule == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.rule, rule.Name)
			assert.Equal(t, tt.upstreams, rule.Upstreams)
		})
	}
}

func TestNewRuleEvaluator_Invalid(t *testing.T) {
	_, err := NewRuleEvaluator([]config.ForwardingRule{
		{Name: "broken", Domains: []string{"*.lan"}},
	})
	assert.ErrorIs(t, err, config.ErrNoUpstreams)

	_, err = NewRuleEvaluator([]config.ForwardingRule{
		{Name: "regex", Domains: []string{"/[bad/"}, Upstreams: []string{"10.0.0.1"}},
	})
	assert.Error(t, err)
}
