// Package chunking splits extracted text into bounded, overlapping chunks
// that prefer sentence boundaries.
package chunking

import (
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
)

const (
	DefaultMaxTokens = 512
	DefaultOverlap   = 50
	DefaultModel     = "text-embedding-3-small"
)

// TokenCounter is satisfied by *tokens.Counter.
type TokenCounter interface {
	Count(text, model string) int
}

// Options tunes a chunking run.
//
// MaxTokens:         upper bound of tokens per chunk.
// Overlap:           token budget of trailing context carried into the next chunk.
// PreserveSentences: split on sentence boundaries, falling back to words for oversized sentences.
// Model:             only used for token counting.
type Options struct {
	MaxTokens         int
	Overlap           int
	PreserveSentences bool
	Model             string
}

func DefaultOptions() Options {
	return Options{
		MaxTokens:         DefaultMaxTokens,
		Overlap:           DefaultOverlap,
		PreserveSentences: true,
		Model:             DefaultModel,
	}
}

func (o Options) normalized() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	return o
}

// Chunk is one emitted span. StartChar and EndChar are character (rune) offsets into
// the text that was chunked (the page text for ChunkByPages), so Text is exactly
// string([]rune(source)[StartChar:EndChar]).
type Chunk struct {
	Text       string `json:"text"`
	Index      int    `json:"chunk_index"`
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`
	TokenCount int    `json:"token_count"`
	PageNumber int    `json:"page_number,omitempty"` // 0 when not page-aware or the page is unknown
}

type Result struct {
	Chunks           []Chunk `json:"chunks"`
	TotalChunks      int     `json:"total_chunks"`
	TotalTokens      int     `json:"total_tokens"`
	AverageChunkSize float64 `json:"average_chunk_size"`
}

type Chunker struct {
	counter TokenCounter
}

func New(counter TokenCounter) *Chunker {
	return &Chunker{counter: counter}
}

// span is a half-open byte range of the source text. Spans only ever start and
// end on rune boundaries; Chunk offsets are converted to characters on emit.
type span struct {
	start, end int
}

// Chunk splits text into chunks no larger than opts.MaxTokens, except where a single
// word alone exceeds the budget.
func (c *Chunker) Chunk(text string, opts Options) Result {
	opts = opts.normalized()
	return summarize(c.chunk(text, opts))
}

// ChunkByPages chunks every page in page order and numbers chunks globally.
func (c *Chunker) ChunkByPages(pages []core.Page, opts Options) Result {
	opts = opts.normalized()

	ordered := make([]core.Page, len(pages))
	copy(ordered, pages)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	var all []Chunk
	for _, p := range ordered {
		for _, ch := range c.chunk(p.Text, opts) {
			ch.Index = len(all)
			ch.PageNumber = p.Number
			all = append(all, ch)
		}
	}
	return summarize(all)
}

func summarize(chunks []Chunk) Result {
	res := Result{Chunks: chunks, TotalChunks: len(chunks)}
	for _, ch := range chunks {
		res.TotalTokens += ch.TokenCount
	}
	if res.TotalChunks > 0 {
		res.AverageChunkSize = float64(res.TotalTokens) / float64(res.TotalChunks)
	}
	return res
}

func (c *Chunker) chunk(text string, opts Options) []Chunk {
	lo, hi := trimBounds(text, 0, len(text))
	if lo >= hi {
		return nil
	}
	count := func(s string) int { return c.counter.Count(s, opts.Model) }

	if n := count(text[lo:hi]); n <= opts.MaxTokens {
		start := utf8.RuneCountInString(text[:lo])
		return []Chunk{{
			Text:       text[lo:hi],
			StartChar:  start,
			EndChar:    start + utf8.RuneCountInString(text[lo:hi]),
			TokenCount: n,
		}}
	}

	var units []span
	if opts.PreserveSentences {
		for _, s := range sentenceSpans(text, lo, hi) {
			if count(text[s.start:s.end]) > opts.MaxTokens {
				// no usable boundary inside; fall back to words for this sentence
				units = append(units, wordSpans(text, s.start, s.end)...)
				continue
			}
			units = append(units, s)
		}
	} else {
		units = wordSpans(text, lo, hi)
	}

	return c.pack(text, units, opts, count)
}

// pack accumulates units until the next one would push the chunk over budget,
// then seeds the following chunk with the overlap tail of the one just closed.
func (c *Chunker) pack(text string, units []span, opts Options, count func(string) int) []Chunk {
	var out []Chunk
	starts, ends := &runeOffsets{text: text}, &runeOffsets{text: text}
	emit := func(start, end int) {
		out = append(out, Chunk{
			Text:       text[start:end],
			Index:      len(out),
			StartChar:  starts.at(start),
			EndChar:    ends.at(end),
			TokenCount: count(text[start:end]),
		})
	}

	start := units[0].start
	last := -1 // index of the last unit in the open chunk
	for i, u := range units {
		if last >= 0 && count(text[start:u.end]) > opts.MaxTokens {
			end := units[last].end
			emit(start, end)
			start = fitOverlap(text, overlapStart(text, start, end, opts, count), u, opts, count)
		}
		last = i
	}
	emit(start, units[last].end)
	return out
}

// overlapStart returns the start of the longest whole-word suffix of text[start:end],
// never the whole chunk, whose token count fits opts.Overlap. -1 means no overlap.
func overlapStart(text string, start, end int, opts Options, count func(string) int) int {
	if opts.Overlap <= 0 {
		return -1
	}
	words := wordSpans(text, start, end)
	best := -1
	for k := len(words) - 1; k >= 1; k-- {
		if count(text[words[k].start:end]) > opts.Overlap {
			break
		}
		best = words[k].start
	}
	return best
}

// fitOverlap drops leading overlap words until overlap plus the next unit fits.
func fitOverlap(text string, from int, next span, opts Options, count func(string) int) int {
	if from < 0 {
		return next.start
	}
	for _, w := range wordSpans(text, from, next.start) {
		if count(text[w.start:next.end]) <= opts.MaxTokens {
			return w.start
		}
	}
	return next.start
}

// sentenceSpans splits text[lo:hi] after runs of terminal punctuation followed by
// whitespace or the end of text.
func sentenceSpans(text string, lo, hi int) []span {
	var out []span
	s := lo
	for i := lo; i < hi; i++ {
		if !isTerminal(text[i]) {
			continue
		}
		j := i + 1
		for j < hi && isTerminal(text[j]) {
			j++
		}
		if j == hi || spaceAt(text, j) {
			out = appendTrimmed(out, text, s, j)
			s = j
		}
		i = j - 1
	}
	return appendTrimmed(out, text, s, hi)
}

// wordSpans returns whitespace-delimited words of text[lo:hi].
func wordSpans(text string, lo, hi int) []span {
	var out []span
	i := lo
	for i < hi {
		for i < hi && spaceAt(text, i) {
			i += runeLen(text, i)
		}
		if i >= hi {
			break
		}
		j := i
		for j < hi && !spaceAt(text, j) {
			j += runeLen(text, j)
		}
		out = append(out, span{i, min(j, hi)})
		i = j
	}
	return out
}

func appendTrimmed(out []span, text string, lo, hi int) []span {
	lo, hi = trimBounds(text, lo, hi)
	if lo < hi {
		out = append(out, span{lo, hi})
	}
	return out
}

func trimBounds(text string, lo, hi int) (int, int) {
	for lo < hi && spaceAt(text, lo) {
		lo += runeLen(text, lo)
	}
	for hi > lo {
		r, size := utf8.DecodeLastRuneInString(text[lo:hi])
		if !unicode.IsSpace(r) {
			break
		}
		hi -= size
	}
	return min(lo, hi), hi
}

func isTerminal(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

// spaceAt reports whether the rune starting at byte i is whitespace, including
// Unicode spaces such as U+00A0 that PDF text often uses between words.
func spaceAt(text string, i int) bool {
	r, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsSpace(r)
}

func runeLen(text string, i int) int {
	_, size := utf8.DecodeRuneInString(text[i:])
	return size
}

// runeOffsets converts increasing byte offsets to character offsets without
// rescanning the text from the start on every call.
type runeOffsets struct {
	text string
	b, r int
}

func (o *runeOffsets) at(b int) int {
	if b < o.b {
		o.b, o.r = 0, 0
	}
	o.r += utf8.RuneCountInString(o.text[o.b:b])
	o.b = b
	return o.r
}
