// Package chunker splits block text into pieces stored as derived chunk rows.
package chunker

import (
	"strings"
)

const (
	DefaultTargetSize = 400
	DefaultMaxSize    = 600
)

// Options configures splitting.
type Options struct {
	TargetSize int
	MaxSize    int
}

// DefaultOptions returns the sizes used for block_chunks.
func DefaultOptions() Options {
	return Options{TargetSize: DefaultTargetSize, MaxSize: DefaultMaxSize}
}

// Piece is one chunk of text with its 1-based line span in the source.
type Piece struct {
	Seq       int
	Text      string
	StartLine int
	EndLine   int
}

// Split breaks text into pieces. Text no longer than MaxSize is one piece;
// blank text yields none. Sequence numbers are dense and start at 0.
func Split(text string, opts Options) []Piece {
	if opts.TargetSize <= 0 || opts.MaxSize <= 0 {
		opts = DefaultOptions()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.MaxSize {
		return []Piece{{Seq: 0, Text: text, StartLine: 1, EndLine: strings.Count(text, "\n") + 1}}
	}

	pieces := pack(sections(text), opts)
	for i := range pieces {
		pieces[i].Seq = i
	}
	return pieces
}

// sections cuts text at markdown headings and at runs of blank lines.
func sections(text string) []Piece {
	lines := strings.Split(text, "\n")
	var out []Piece
	var buf []string
	start := 1
	blank := false

	cut := func(end int) {
		if t := strings.TrimSpace(strings.Join(buf, "\n")); t != "" {
			out = append(out, Piece{Text: t, StartLine: start, EndLine: end})
		}
		buf = nil
		start = end + 1
	}

	for i, line := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#") && len(buf) > 0:
			cut(n - 1)
		case trimmed == "" && blank && len(buf) > 0:
			cut(n - 1)
		}
		blank = trimmed == ""
		buf = append(buf, line)
	}
	cut(len(lines))
	return out
}

// pack merges adjacent small sections up to TargetSize and hard-splits any
// section that still exceeds MaxSize.
func pack(secs []Piece, opts Options) []Piece {
	var out []Piece
	var acc Piece

	emit := func() {
		if acc.Text == "" {
			return
		}
		if len(acc.Text) > opts.MaxSize {
			out = append(out, splitLines(acc, opts.TargetSize)...)
		} else {
			acc.EndLine = acc.StartLine + strings.Count(acc.Text, "\n")
			out = append(out, acc)
		}
		acc = Piece{}
	}

	for _, s := range secs {
		if acc.Text == "" {
			acc = s
			continue
		}
		if joined := acc.Text + "\n\n" + s.Text; len(joined) <= opts.TargetSize {
			acc.Text = joined
			acc.EndLine = s.EndLine
			continue
		}
		emit()
		acc = s
	}
	emit()
	return out
}

// splitLines breaks an oversized piece on line boundaries near target bytes.
func splitLines(p Piece, target int) []Piece {
	lines := strings.Split(p.Text, "\n")
	var out []Piece
	var buf []string
	from := p.StartLine
	size := 0

	flush := func(to int) {
		if t := strings.TrimSpace(strings.Join(buf, "\n")); t != "" {
			out = append(out, Piece{Text: t, StartLine: from, EndLine: to})
		}
		buf = nil
		size = 0
	}

	for i, line := range lines {
		if size+len(line) > target && len(buf) > 0 {
			flush(p.StartLine + i - 1)
			from = p.StartLine + i
		}
		buf = append(buf, line)
		size += len(line) + 1
	}
	flush(p.StartLine + len(lines) - 1)
	return out
}
