// Package chunking splits ordered conversation messages into size-bounded,
// speaker-aware chunks. The algorithm is pure and deterministic: the same
// input and parameters always produce byte-identical chunk boundaries.
package chunking

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"convorag/internal/apperrors"
	"convorag/pkg/types"
)

// Params controls chunk boundaries.
type Params struct {
	MaxChunkChars        int
	MinChunkChars        int
	SplitOnSpeakerChange bool
}

// DefaultParams returns the default chunking parameters.
func DefaultParams() Params {
	return Params{
		MaxChunkChars:        1000,
		MinChunkChars:        50,
		SplitOnSpeakerChange: true,
	}
}

// separator joins message texts within a chunk.
const separator = "\n"

// Chunker produces chunk drafts from ordered messages.
type Chunker struct {
	params Params
}

// New creates a chunker with the given parameters.
func New(params Params) (*Chunker, error) {
	if params.MaxChunkChars <= 0 || params.MinChunkChars <= 0 {
		return nil, apperrors.Validation("chunk size bounds must be positive")
	}
	if params.MaxChunkChars <= params.MinChunkChars {
		return nil, apperrors.Validation("max chunk chars (%d) must exceed min chunk chars (%d)",
			params.MaxChunkChars, params.MinChunkChars)
	}
	if params.MaxChunkChars > types.MaxChunkTextLength {
		return nil, apperrors.Validation("max chunk chars (%d) exceeds chunk text limit (%d)",
			params.MaxChunkChars, types.MaxChunkTextLength)
	}
	return &Chunker{params: params}, nil
}

// Split breaks the messages into chunk drafts with contiguous order indices
// starting at 0 and a recorded dominant author per chunk. A chunk is flushed
// when the next message would exceed MaxChunkChars, when the speaker changes
// (if enabled), or when input is exhausted. Chunks shorter than MinChunkChars
// are only emitted as the trailing chunk. Oversized single messages are split
// at whitespace boundaries; content is never dropped.
func (c *Chunker) Split(messages []types.Message) ([]types.ConversationChunk, error) {
	if len(messages) == 0 {
		return nil, apperrors.Validation("messages cannot be empty")
	}
	for i, m := range messages {
		if err := m.Validate(); err != nil {
			return nil, apperrors.Validation("message %d: %v", i, err)
		}
	}

	acc := newAccumulator(c.params)
	for i := range messages {
		acc.add(&messages[i])
	}
	acc.flush(true)

	chunks := make([]types.ConversationChunk, 0, len(acc.drafts))
	for i, d := range acc.drafts {
		chunk, err := types.NewConversationChunk(i, d.text, d.author, d.timestamp)
		if err != nil {
			return nil, apperrors.Internal(fmt.Sprintf("chunk draft %d invalid", i), err)
		}
		chunks = append(chunks, *chunk)
	}
	return chunks, nil
}

type draft struct {
	text      string
	author    types.Author
	timestamp *time.Time
}

// accumulator builds up the current chunk and tracks per-author message
// counts to determine the dominant author.
type accumulator struct {
	params Params
	drafts []draft

	buf          strings.Builder
	authors      []types.Author // in arrival order, one entry per author name
	authorCounts map[string]int
	timestamp    *time.Time

	lastAuthor    types.Author
	lastTimestamp *time.Time
}

func newAccumulator(params Params) *accumulator {
	return &accumulator{params: params, authorCounts: map[string]int{}}
}

// add appends one message, flushing beforehand if a boundary is reached.
func (a *accumulator) add(m *types.Message) {
	rendered := renderMessage(m)

	if a.buf.Len() > 0 {
		speakerChanged := a.params.SplitOnSpeakerChange && m.Author.Name != a.dominantAuthor().Name
		wouldOverflow := a.buf.Len()+len(separator)+len(rendered) > a.params.MaxChunkChars
		if (speakerChanged || wouldOverflow) && a.buf.Len() >= a.params.MinChunkChars {
			a.flush(false)
		}
	}

	if a.buf.Len() > 0 {
		a.buf.WriteString(separator)
	}
	a.buf.WriteString(rendered)
	a.recordAuthor(m.Author)
	if a.timestamp == nil {
		a.timestamp = m.Timestamp
	}
	a.lastAuthor = m.Author
	a.lastTimestamp = m.Timestamp

	// A single oversized message (or an undersized chunk merged with a large
	// one) is split at whitespace boundaries until it fits.
	for a.buf.Len() > a.params.MaxChunkChars {
		a.splitOversized()
	}
}

// splitOversized emits the largest prefix of the buffer that ends at a
// whitespace boundary within MaxChunkChars, keeping the remainder buffered.
// The boundary whitespace stays with the emitted prefix so that no content
// is lost across the cut.
func (a *accumulator) splitOversized() {
	text := a.buf.String()
	limit := a.params.MaxChunkChars

	cut := strings.LastIndexAny(text[:limit+1], " \t\n")
	var head, tail string
	if cut <= 0 {
		// No whitespace within the limit; hard-cut at a rune boundary so the
		// chunk text stays valid UTF-8.
		hard := limit
		for hard > 0 && !utf8.RuneStart(text[hard]) {
			hard--
		}
		if hard == 0 {
			hard = limit
		}
		head, tail = text[:hard], text[hard:]
	} else {
		head, tail = text[:cut+1], text[cut+1:]
	}

	a.emit(head)
	a.buf.Reset()
	a.buf.WriteString(tail)
	// The remainder still belongs to the same message: keep its author as
	// the dominant author of the continuation chunk.
	author := a.lastAuthor
	a.recordAuthor(author)
	a.timestamp = a.lastTimestamp
}

// flush emits the buffered chunk. Short chunks are only emitted when final
// is true (no more input remains to merge into).
func (a *accumulator) flush(final bool) {
	if a.buf.Len() == 0 {
		return
	}
	if !final && a.buf.Len() < a.params.MinChunkChars {
		return
	}
	a.emit(a.buf.String())
	a.buf.Reset()
}

func (a *accumulator) emit(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	a.drafts = append(a.drafts, draft{
		text:      text,
		author:    a.dominantAuthor(),
		timestamp: a.timestamp,
	})
	a.authors = nil
	a.authorCounts = map[string]int{}
	a.timestamp = nil
}

func (a *accumulator) recordAuthor(author types.Author) {
	if _, seen := a.authorCounts[author.Name]; !seen {
		a.authors = append(a.authors, author)
	}
	a.authorCounts[author.Name]++
}

// dominantAuthor returns the most frequent author of the buffered messages,
// with ties broken by arrival order.
func (a *accumulator) dominantAuthor() types.Author {
	best := types.Author{}
	bestCount := 0
	for _, author := range a.authors {
		if a.authorCounts[author.Name] > bestCount {
			best = author
			bestCount = a.authorCounts[author.Name]
		}
	}
	return best
}

// renderMessage is the textual form of a message inside a chunk.
func renderMessage(m *types.Message) string {
	return m.Author.Name + ": " + strings.TrimSpace(m.Text)
}
