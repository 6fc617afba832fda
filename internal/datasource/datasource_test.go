package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsURL(t *testing.T) {
	t.Parallel()

	assert.True(t, IsURL("https://prices.example.com/list.xlsx"))
	assert.True(t, IsURL(" HTTP://x"))
	assert.False(t, IsURL("configs/rules/fragrance.yaml"))
	assert.False(t, IsURL("-"))
	assert.False(t, IsURL("ftp://x"))
}
