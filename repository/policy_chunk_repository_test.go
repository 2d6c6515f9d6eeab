package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatVector(t *testing.T) {
	assert.Equal(t, "[]", formatVector(nil))
	assert.Equal(t, "[]", formatVector([]float64{}))
	assert.Equal(t, "[1.000000]", formatVector([]float64{1}))
	assert.Equal(t, "[0.100000,-0.200000,0.000000]", formatVector([]float64{0.1, -0.2, 0}))
}
