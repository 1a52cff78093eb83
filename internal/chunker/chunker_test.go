package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_Blank(t *testing.T) {
	assert.Nil(t, Split("", DefaultOptions()))
	assert.Nil(t, Split("  \n\t ", DefaultOptions()))
}

func TestSplit_ShortText(t *testing.T) {
	text := "A short knowledge block."
	got := Split(text, DefaultOptions())
	require.Len(t, got, 1)
	assert.Equal(t, text, got[0].Text)
	assert.Equal(t, 0, got[0].Seq)
	assert.Equal(t, 1, got[0].StartLine)
	assert.Equal(t, 1, got[0].EndLine)
}

func TestSplit_Headings(t *testing.T) {
	section := strings.Repeat("Some content filling space. ", 12)
	text := "# One\n\n" + section + "\n\n# Two\n\n" + section + "\n\n# Three\n\n" + section

	got := Split(text, DefaultOptions())
	require.GreaterOrEqual(t, len(got), 2)
	assert.Contains(t, got[0].Text, "One")
	for i, p := range got {
		assert.Equal(t, i, p.Seq)
		assert.LessOrEqual(t, p.StartLine, p.EndLine)
	}
}

func TestSplit_HardSplitsLongRuns(t *testing.T) {
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, "This is a line of text that is about fifty characters long.")
	}
	got := Split(strings.Join(lines, "\n"), Options{TargetSize: 200, MaxSize: 300})
	require.GreaterOrEqual(t, len(got), 2)
	for _, p := range got {
		assert.LessOrEqual(t, len(p.Text), 300)
	}
	assert.Equal(t, 20, got[len(got)-1].EndLine)
}

func TestSplit_ParagraphBreaks(t *testing.T) {
	para := strings.Repeat("This is a sentence. ", 15)
	text := para + "\n\n\n" + para + "\n\n\n" + para

	got := Split(text, Options{TargetSize: 400, MaxSize: 500})
	assert.GreaterOrEqual(t, len(got), 2)
}

func TestSplit_ZeroOptionsUseDefaults(t *testing.T) {
	got := Split("hello", Options{})
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Text)
}
