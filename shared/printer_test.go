package shared

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferHook struct {
	strings.Builder
	closed bool
}

func (b *bufferHook) Close() error {
	b.closed = true
	return nil
}

func TestPrinterIndentsEveryLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		ind      int
		newline  bool
		expected string
	}{
		{
			name:     "Single line without indent",
			input:    "hello",
			expected: "hello",
		},
		{
			name:     "Multi line with indent",
			input:    "a\nb",
			ind:      2,
			expected: "> > a\n> > b",
		},
		{
			name:     "Writeln appends newline",
			input:    "done",
			ind:      1,
			newline:  true,
			expected: "> done\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := new(bufferHook)
			p, err := NewPrinter("> ", hook)
			require.NoError(t, err)
			if tt.newline {
				require.NoError(t, p.Writeln(tt.input, tt.ind))
			} else {
				require.NoError(t, p.Write(tt.input, tt.ind))
			}
			assert.Equal(t, tt.expected, hook.String())
		})
	}
}

func TestPrinterRejectsMissingHooks(t *testing.T) {
	_, err := NewPrinter("  ")
	assert.Error(t, err)

	_, err = NewPrinter("  ", nil)
	assert.Error(t, err)
}

func TestPrinterCloseIsIdempotent(t *testing.T) {
	hook := new(bufferHook)
	p, err := NewPrinter("", hook)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, hook.closed)
	assert.Error(t, p.Writeln("late", 0))
}
