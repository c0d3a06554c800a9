package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseProtocolVariant(t *testing.T) {
	assert := assert.New(t)

	variant, err := ParseProtocolVariant("advanced")
	assert.Nil(err)
	assert.True(variant.ConfirmEvents)
	assert.Equal("advanced", variant.String())

	variant, err = ParseProtocolVariant("simple")
	assert.Nil(err)
	assert.False(variant.ConfirmEvents)
	assert.Equal("simple", variant.String())

	_, err = ParseProtocolVariant("fancy")
	assert.NotNil(err)
}
