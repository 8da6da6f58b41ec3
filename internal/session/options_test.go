package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions_Empty(t *testing.T) {
	opts, err := ParseOptions("\n")
	require.NoError(t, err)
	assert.Equal(t, DefaultDataOptions(), opts)
}

func TestParseOptions_AllFields(t *testing.T) {
	opts, err := ParseOptions("format=ascii scaled=true read_margin=3\n")
	require.NoError(t, err)
	assert.Equal(t, DataOptions{Format: FormatASCII, Scaled: true, ReadMargin: 3}, opts)
}

func TestParseOptions_UnknownFormatRejected(t *testing.T) {
	_, err := ParseOptions("format=xml")
	assert.Error(t, err)
}

func TestParseOptions_UnknownKeyRejected(t *testing.T) {
	_, err := ParseOptions("bogus=1")
	assert.Error(t, err)
}

func TestParseOptions_MalformedFieldRejected(t *testing.T) {
	_, err := ParseOptions("format")
	assert.Error(t, err)
}
