// Package retrieval ranks embedded chunks against a query and groups the
// survivors into per-domain clusters for synthesis.
package retrieval

import (
	"sort"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/embedding"
)

// Retrieve scores every chunk by cosine similarity to queryVec and returns
// the best topK, highest first. Ties keep fetch order: lower SourceOrder,
// then lower chunk Index. Chunks repeating an earlier chunk's text are
// dropped. Input chunks are not modified.
func Retrieve(queryVec []float32, chunks []domain.Chunk, topK int) []domain.Chunk {
	if topK <= 0 || len(chunks) == 0 {
		return nil
	}

	ranked := make([]domain.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			continue
		}
		chunk.Score = embedding.CosineSimilarity(queryVec, chunk.Embedding)
		ranked = append(ranked, chunk)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].SourceOrder != ranked[j].SourceOrder {
			return ranked[i].SourceOrder < ranked[j].SourceOrder
		}
		return ranked[i].Index < ranked[j].Index
	})

	ranked = dedupeChunks(ranked)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

// AttachEmbeddings copies vectors onto chunks by position.
func AttachEmbeddings(chunks []domain.Chunk, vectors [][]float32) []domain.Chunk {
	out := make([]domain.Chunk, len(chunks))
	copy(out, chunks)
	for i := range out {
		if i < len(vectors) {
			out[i].Embedding = vectors[i]
		}
	}
	return out
}

// Texts returns the chunk texts in order, ready for embedding.
func Texts(chunks []domain.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	return texts
}
