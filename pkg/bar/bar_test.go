package bar

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriter(t *testing.T) {
	var buf bytes.Buffer
	b := NewWriter(&buf, 4, "flashing", 2, 2)
	require.NoError(t, b.Set(2))
	require.NoError(t, b.Finish())

	out := buf.String()
	assert.Contains(t, out, "[2/2]")
	assert.Contains(t, out, "flashing")
	assert.Contains(t, out, "4/4")
}
