package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_ValidLevelBuildsLogger(t *testing.T) {
	log, atom, err := Init("debug")
	require.NoError(t, err)
	assert.NotNil(t, log)
	assert.Equal(t, "debug", atom.String())
}

func TestInit_InvalidLevelIsError(t *testing.T) {
	_, _, err := Init("bogus")
	assert.Error(t, err)
}
