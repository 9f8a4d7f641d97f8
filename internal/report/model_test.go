package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidExtension(t *testing.T) {
	assert.False(t, ValidExtension(1999))
	assert.True(t, ValidExtension(2000))
	assert.True(t, ValidExtension(3999))
	assert.False(t, ValidExtension(4000))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.23, Round2(1.234))
	assert.Equal(t, 8.0, Round2(7.999))
	assert.Equal(t, 0.0, Round2(0))
}

func TestMinutes(t *testing.T) {
	assert.Equal(t, 1.5, Minutes(90))
	assert.InDelta(t, 0.0166, Minutes(1), 0.001)
}
