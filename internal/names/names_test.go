package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_AcronymConvergence(t *testing.T) {
	full := Normalize("U.S. Fish and Wildlife Service")
	abbr := Normalize("USFWS")
	assert.Equal(t, full, abbr)
	assert.Equal(t, "U.S. Fish and Wildlife Service", full)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  great   northern  lcc ", "Great Northern Lcc"},
		{"u.s. geological survey", "U.S. Geological Survey"},
		{"USGS", "U.S. Geological Survey"},
		{"fish & wildlife service", "Fish and Wildlife Service"},
		{"U. S. forest service", "U.S. Forest Service"},
		{"bureau of land management", "Bureau of Land Management"},
		{"THE NATURE CONSERVANCY", "THE NATURE CONSERVANCY"},
		{"university of alaska", "University of Alaska"},
		{"uc davis", "UC Davis"},
		{"smith, jane", "Smith, Jane"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input: %q", tt.in)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"USFWS",
		"u.s. fish and wildlife service",
		"North Pacific Landscape Conservation Cooperative",
		"fish & wildlife",
		"noaa fisheries",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input: %q", in)
	}
}

func TestNormalize_SmallWordsNotLeading(t *testing.T) {
	assert.Equal(t, "The Nature Conservancy", Normalize("the nature conservancy"))
	assert.Equal(t, "Friends of the Earth", Normalize("friends of the earth"))
}

func TestIsAcronym(t *testing.T) {
	assert.True(t, isAcronym("USGS"))
	assert.True(t, isAcronym("U.S."))
	assert.False(t, isAcronym("Us"))
	assert.False(t, isAcronym("A"))
	assert.False(t, isAcronym("&"))
}
