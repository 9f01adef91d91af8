package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeVenueName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Carbone", "carbone"},
		{"collapses whitespace", "  4  Charles   Prime Rib ", "4 charles prime rib"},
		{"strips accents", "Rezdôra", "rezdora"},
		{"strips accents and folds", "Place des Fêtes", "place des fetes"},
		{"empty", "", ""},
		{"keeps punctuation", "Cecconi's", "cecconi's"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeVenueName(tt.in))
		})
	}
}

func TestMatchesAnySubstringBothDirections(t *testing.T) {
	set := map[string]struct{}{
		"carbone": {},
		"i sodi":  {},
	}
	assert.True(t, MatchesAny("carbone", set))
	assert.True(t, MatchesAny("carbone vino e cucina", set), "entry is substring of name")
	assert.True(t, MatchesAny("sodi", set), "name is substring of entry")
	assert.False(t, MatchesAny("lilia", set))
	assert.False(t, MatchesAny("", set))
}

func TestHotlistNormalized(t *testing.T) {
	set := Hotlist()
	assert.Contains(t, set, "carbone")
	assert.Contains(t, set, "rezdora")
	assert.True(t, MatchesAny(NormalizeVenueName("Rezdôra"), set))
}
