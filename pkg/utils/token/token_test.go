package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAccessToken(t *testing.T) {
	a := NewAccessToken()
	b := NewAccessToken()

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestRandomPassword(t *testing.T) {
	p := RandomPassword(20)
	assert.Len(t, p, 20)
	assert.NotEqual(t, p, RandomPassword(20))
}
