package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestCatalog() *Catalog {
	return NewCatalog([]string{"new", "contacted", "qualified"}, "upload")
}

func TestCatalogRank(t *testing.T) {
	catalog := newTestCatalog()

	rank, known := catalog.Rank("new")
	assert.True(t, known)
	assert.Equal(t, 0, rank)

	rank, known = catalog.Rank("qualified")
	assert.True(t, known)
	assert.Equal(t, 2, rank)

	// Case and whitespace are normalized
	rank, known = catalog.Rank("  Contacted ")
	assert.True(t, known)
	assert.Equal(t, 1, rank)

	// Unknown stage gets the sentinel rank, greater than all known ranks
	rank, known = catalog.Rank("mystery_stage")
	assert.False(t, known)
	assert.Equal(t, catalog.SentinelRank(), rank)
	assert.Greater(t, rank, 2)
}

func TestCatalogIsForward(t *testing.T) {
	catalog := newTestCatalog()

	tests := []struct {
		name     string
		from     string
		to       string
		expected bool
	}{
		{name: "forward step", from: "new", to: "contacted", expected: true},
		{name: "forward skip", from: "new", to: "qualified", expected: true},
		{name: "backward step", from: "contacted", to: "new", expected: false},
		{name: "same stage", from: "contacted", to: "contacted", expected: false},
		// The sentinel rank is numerically greater than every known rank, but a
		// transition into an unknown stage must still not count as forward.
		{name: "unknown destination", from: "contacted", to: "mystery_stage", expected: false},
		{name: "unknown source", from: "mystery_stage", to: "contacted", expected: false},
		{name: "both unknown", from: "mystery_a", to: "mystery_b", expected: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, catalog.IsForward(tc.from, tc.to))
		})
	}
}

func TestCatalogIsPseudoStage(t *testing.T) {
	catalog := newTestCatalog()

	assert.True(t, catalog.IsPseudoStage("upload"))
	assert.True(t, catalog.IsPseudoStage(" Upload "))
	assert.False(t, catalog.IsPseudoStage("new"))
	assert.False(t, catalog.IsPseudoStage(""))

	// No pseudo-stage configured means nothing matches
	noPseudo := NewCatalog([]string{"new"}, "")
	assert.False(t, noPseudo.IsPseudoStage("upload"))
}
