package species

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseThreePart(t *testing.T) {
	s := Parse("Turdus migratorius_American Robin_amerob")
	require.Equal(t, "Turdus migratorius", s.ScientificName)
	require.Equal(t, "American Robin", s.CommonName)
	require.Equal(t, "amerob", s.Code)
}

func TestParseTwoPart(t *testing.T) {
	s := Parse("Turdus merula_Common Blackbird")
	require.Equal(t, "Turdus merula", s.ScientificName)
	require.Equal(t, "Common Blackbird", s.CommonName)
	require.Equal(t, "Common Blackbird", s.DisplayName())
}

func TestParseCommonNameOnly(t *testing.T) {
	s := Parse("Unknown Bird")
	require.Empty(t, s.ScientificName)
	require.Equal(t, "Unknown Bird", s.CommonName)
}

func TestParseSingleTokenFallsBackToBoth(t *testing.T) {
	s := Parse("noise")
	require.Equal(t, "noise", s.ScientificName)
	require.Equal(t, "noise", s.CommonName)
}

func TestParseEmpty(t *testing.T) {
	s := Parse("")
	require.Empty(t, s.DisplayName())
}
