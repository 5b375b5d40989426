package entity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dongshu2013/the-sniper/internal/sniper"
)

func strPtr(s string) *string { return &s }

func TestMergeAdditive(t *testing.T) {
	t.Parallel()

	existing := &sniper.EntityDescriptor{
		Type: sniper.EntityMemecoin,
		Name: strPtr("FOO"),
	}
	extracted := &sniper.EntityDescriptor{
		Type:    sniper.EntityMemecoin,
		Twitter: strPtr("@foo"),
	}

	merged, finalized := Merge(existing, extracted)
	require.NotNil(t, merged)
	require.Equal(t, "FOO", *merged.Name)
	require.Equal(t, "@foo", *merged.Twitter)
	require.True(t, finalized)
}

func TestMergeNeverRegressesToNull(t *testing.T) {
	t.Parallel()

	existing := &sniper.EntityDescriptor{
		Type:    sniper.EntityMemecoin,
		Name:    strPtr("FOO"),
		Chain:   strPtr("solana"),
		Twitter: strPtr("@foo"),
	}
	extracted := &sniper.EntityDescriptor{Type: sniper.EntityMemecoin}

	merged, finalized := Merge(existing, extracted)
	require.Equal(t, "FOO", *merged.Name)
	require.Equal(t, "solana", *merged.Chain)
	require.Equal(t, "@foo", *merged.Twitter)
	require.True(t, finalized)
}

func TestMergeUnknownTypeDoesNotOverwrite(t *testing.T) {
	t.Parallel()

	existing := &sniper.EntityDescriptor{Type: sniper.EntityMemecoin, Name: strPtr("FOO")}
	extracted := &sniper.EntityDescriptor{Type: sniper.EntityUnknown, Twitter: strPtr("@foo")}

	merged, finalized := Merge(existing, extracted)
	require.Equal(t, sniper.EntityMemecoin, merged.Type)
	require.True(t, finalized)
}

func TestFinalizedRules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		d    *sniper.EntityDescriptor
		want bool
	}{
		{"nil", nil, false},
		{"unknown never", &sniper.EntityDescriptor{Type: sniper.EntityUnknown, Name: strPtr("x"), Twitter: strPtr("y")}, false},
		{"other always", &sniper.EntityDescriptor{Type: sniper.EntityOther}, true},
		{"memecoin missing twitter", &sniper.EntityDescriptor{Type: sniper.EntityMemecoin, Name: strPtr("FOO")}, false},
		{"memecoin complete", &sniper.EntityDescriptor{Type: sniper.EntityMemecoin, Name: strPtr("FOO"), Twitter: strPtr("@foo")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Finalized(tc.d))
		})
	}
}

func TestParseExtractionStrictJSON(t *testing.T) {
	t.Parallel()

	raw := `{"type":"memecoin","name":"DEGEN","chain":"base","twitter":"@degen","website":null}`
	d := ParseExtraction(raw)
	require.NotNil(t, d)
	require.Equal(t, sniper.EntityMemecoin, d.Type)
	require.Equal(t, "DEGEN", *d.Name)
	require.Equal(t, "base", *d.Chain)
	require.Equal(t, "@degen", *d.Twitter)
	require.Nil(t, d.Website)
}

func TestParseExtractionFencedJSON(t *testing.T) {
	t.Parallel()

	raw := "```json\n{\"type\":\"other\"}\n```"
	d := ParseExtraction(raw)
	require.NotNil(t, d)
	require.Equal(t, sniper.EntityOther, d.Type)
}

func TestParseExtractionRegexFallback(t *testing.T) {
	t.Parallel()

	// Malformed JSON (trailing comma) forces the field-level fallback.
	raw := `The entity is {"type": "memecoin", "name": "PEPE", "twitter": "@pepecoin",}`
	d := ParseExtraction(raw)
	require.NotNil(t, d)
	require.Equal(t, sniper.EntityMemecoin, d.Type)
	require.Equal(t, "PEPE", *d.Name)
	require.Equal(t, "@pepecoin", *d.Twitter)
	require.Nil(t, d.Chain)
}

func TestParseExtractionUnrecoverableFieldsAreNull(t *testing.T) {
	t.Parallel()

	d := ParseExtraction("no structured content at all")
	require.NotNil(t, d)
	require.Equal(t, sniper.EntityUnknown, d.Type)
	require.Nil(t, d.Name)
	require.Nil(t, d.Twitter)
}

func TestParseExtractionEmpty(t *testing.T) {
	t.Parallel()

	require.Nil(t, ParseExtraction(""))
	require.Nil(t, ParseExtraction("   "))
}
