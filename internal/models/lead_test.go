package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScore(t *testing.T) {
	cases := []struct {
		raw  string
		want Score
	}{
		{"12.5", NumericScore(12.5)},
		{" 7 ", NumericScore(7)},
		{"nan", UnscoredScore("nan")},
		{"NaN", UnscoredScore("NaN")},
		{"Inf", UnscoredScore("Inf")},
		{"-Infinity", UnscoredScore("-Infinity")},
		{"hot lead", UnscoredScore("hot lead")},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseScore(tc.raw))
		})
	}
}

func TestParseScore_NonFiniteStaysEncodable(t *testing.T) {
	lead := Lead{ID: 1, PriceCents: 100, Score: ParseScore("nan")}
	_, err := json.Marshal(lead)
	require.NoError(t, err)

	floor := 0.0
	assert.False(t, LeadFilter{MinScore: &floor}.Match(lead))
	assert.True(t, LeadFilter{Unscored: true}.Match(lead))
}
