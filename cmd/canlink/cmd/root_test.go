package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHex = `:10100000000102030405060708090A0B0C0D0E0F68
:041010001011121396
:00000001FF
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "app.hex", []byte(testHex), 0o644))

	// flags keep their values between executions
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", "test.toml"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestHexInfo(t *testing.T) {
	out, err := run(t, "hex", "info", "app.hex")
	require.NoError(t, err)
	assert.Contains(t, out, "records: 2")
	assert.Contains(t, out, "range:   0x00001000-0x00001013")
	assert.Contains(t, out, "size:    20 bytes")
}

func TestHexBlocks(t *testing.T) {
	out, err := run(t, "hex", "blocks", "app.hex")
	require.NoError(t, err)
	assert.Equal(t, "block 1 @0x00001000 (24 bytes) crc 0x351B\n", out)

	out, err = run(t, "hex", "blocks", "--block-size", "16", "app.hex")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "block 2 @0x00001010 (8 bytes)"))

	_, err = run(t, "hex", "blocks", "--block-size", "12", "app.hex")
	assert.ErrorContains(t, err, "multiple of 8")
}

func TestConfigCreatedOnFirstRun(t *testing.T) {
	_, err := run(t, "hex", "info", "app.hex")
	require.NoError(t, err)
	ok, err := afero.Exists(fs, "test.toml")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSendOnVirtualAdapter(t *testing.T) {
	_, err := run(t, "--adapter", "virtual", "send", "--channel", "0-0", "7F0", "05")
	require.NoError(t, err)

	_, err = run(t, "--adapter", "virtual", "send", "--channel", "0-0", "--expect", "7F8", "--timeout", "20ms", "7F0", "05")
	assert.ErrorContains(t, err, "response timeout (20ms) for frame 0x7F8")

	_, err = run(t, "--adapter", "virtual", "send", "--channel", "zero", "7F0", "05")
	assert.ErrorContains(t, err, "invalid channel")
}
