// Package chunk splits cleaned source text into overlapping, token-bounded
// segments. A token is a whitespace-delimited word.
package chunk

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/iago/research-agent/internal/domain"
)

const (
	DefaultMaxTokens = 800
	DefaultOverlap   = 120
)

type Chunker struct {
	maxTokens int
	overlap   int
}

type Option func(*Chunker)

func WithMaxTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

func WithOverlap(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxTokens: DefaultMaxTokens,
		overlap:   DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.maxTokens {
		c.overlap = c.maxTokens / 4
	}
	return c
}

func (c *Chunker) MaxTokens() int { return c.maxTokens }
func (c *Chunker) Overlap() int   { return c.overlap }

// Chunk splits doc into windows of at most MaxTokens words, adjacent windows
// sharing Overlap words. Identical input always yields identical chunks.
func (c *Chunker) Chunk(doc domain.SourceDocument) []domain.Chunk {
	if !doc.OK() {
		return nil
	}
	words := strings.Fields(doc.RawText)
	if len(words) == 0 {
		return nil
	}

	step := c.maxTokens - c.overlap
	prefix := idPrefix(doc.URL)
	chunks := make([]domain.Chunk, 0, len(words)/step+1)

	for start, index := 0, 0; start < len(words); start, index = start+step, index+1 {
		end := start + c.maxTokens
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, domain.Chunk{
			ID:          fmt.Sprintf("%s-%d", prefix, index),
			SourceURL:   doc.URL,
			SourceTitle: doc.Title,
			Domain:      doc.Domain,
			SourceOrder: doc.Order,
			Index:       index,
			Text:        strings.Join(words[start:end], " "),
			TokenCount:  end - start,
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}

// ChunkAll chunks every usable document, preserving document order.
func (c *Chunker) ChunkAll(docs []domain.SourceDocument) []domain.Chunk {
	var all []domain.Chunk
	for _, doc := range docs {
		all = append(all, c.Chunk(doc)...)
	}
	return all
}

// CountTokens counts words the same way Chunk does.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

func idPrefix(rawURL string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(rawURL))
	return fmt.Sprintf("c%08x", hasher.Sum32())
}
