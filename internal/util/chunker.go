package util

import "strings"

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunker splits text into overlapping windows measured in runes.
type Chunker struct {
	Size    int
	Overlap int
}

// Span is a half-open rune range [Start, End) of the source text.
type Span struct {
	Start int
	End   int
}

func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return Chunker{Size: size, Overlap: overlap}
}

// Chunk returns the chunk texts for text. Text no longer than Size comes back whole.
func (c Chunker) Chunk(text string) []string {
	runes := []rune(text)
	spans := c.spans(runes)
	if len(spans) == 1 && spans[0].Start == 0 && spans[0].End == len(runes) {
		return []string{text}
	}
	out := make([]string, 0, len(spans))
	for _, sp := range spans {
		out = append(out, string(runes[sp.Start:sp.End]))
	}
	return out
}

// Spans returns the rune ranges Chunk would cut.
func (c Chunker) Spans(text string) []Span {
	return c.spans([]rune(text))
}

func (c Chunker) spans(runes []rune) []Span {
	c = NewChunker(c.Size, c.Overlap)
	n := len(runes)
	if n <= c.Size {
		return []Span{{Start: 0, End: n}}
	}
	half := c.Size / 2
	out := make([]Span, 0, n/(c.Size-c.Overlap)+1)
	start := 0
	for start < n {
		end := start + c.Size
		if end >= n {
			out = append(out, Span{Start: start, End: n})
			break
		}
		window := runes[start:end]
		if i := lastIndexRunes(window, ". "); i > half {
			end = start + i + 1
		} else if j := lastIndexRunes(window, " "); j > half {
			end = start + j
		}
		out = append(out, Span{Start: start, End: end})

		next := end - c.Overlap
		if next < 0 {
			next = 0
		}
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

func lastIndexRunes(window []rune, sep string) int {
	sr := []rune(sep)
	for i := len(window) - len(sr); i >= 0; i-- {
		match := true
		for k := range sr {
			if window[i+k] != sr[k] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// JoinSpans rebuilds text from chunks cut at spans, dropping the overlapping prefix of each chunk.
func JoinSpans(chunks []string, spans []Span) string {
	var b strings.Builder
	covered := 0
	for i, sp := range spans {
		r := []rune(chunks[i])
		skip := covered - sp.Start
		if skip < 0 {
			skip = 0
		}
		if skip < len(r) {
			b.WriteString(string(r[skip:]))
		}
		if sp.End > covered {
			covered = sp.End
		}
	}
	return b.String()
}
