package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+15550102030", NormalizePhone(" +1 (555) 010-2030 "))
	assert.Equal(t, "+445550102", NormalizePhone("+44.555.0102"))
	assert.Equal(t, "", NormalizePhone("  "))
}
