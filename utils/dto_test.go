package utils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type sampleInput struct {
	Name  string           `json:"name"`
	Price decimal.Decimal  `json:"price"`
	Note  *string          `json:"note"`
	Rate  *decimal.Decimal `json:"rate" normalize:"-"`
}

type samplePatch struct {
	Name    *string `json:"name,omitempty"`
	City    *string `json:"city"`
	Secret  *string `json:"-"`
	Version int     `json:"version"`
}

func TestNormalize(t *testing.T) {
	note := "  hello "
	rate := decimal.RequireFromString("0.075")
	in := sampleInput{Name: " Acme ", Price: decimal.RequireFromString("10.005"), Note: &note, Rate: &rate}

	Normalize(&in)
	require.Equal(t, "Acme", in.Name)
	require.Equal(t, "10.01", in.Price.StringFixed(2))
	require.Equal(t, "hello", *in.Note)
	require.True(t, in.Rate.Equal(decimal.RequireFromString("0.075")))

	Normalize(in) // not a pointer, ignored
}

func TestPatchColumns(t *testing.T) {
	name, secret := "Globex", "x"
	cols := PatchColumns(&samplePatch{Name: &name, Secret: &secret, Version: 4})
	require.Equal(t, map[string]any{"name": "Globex"}, cols)
	require.Empty(t, PatchColumns(samplePatch{}))
}

func TestParseIntDefault(t *testing.T) {
	require.Equal(t, 25, ParseIntDefault(" 25 ", 50))
	require.Equal(t, 50, ParseIntDefault("-1", 50))
	require.Equal(t, 50, ParseIntDefault("abc", 50))
}
