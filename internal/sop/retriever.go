// Package sop indexes standard operating procedure documents and serves
// similarity queries over their passages. Documents are markdown or
// plain text files under a single directory; each is chunked on
// paragraph boundaries, embedded, and stored. Re-indexing a document
// replaces its passages wholesale.
package sop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"reagent/internal/embedding"
	"reagent/internal/store"
)

// Match is one retrieved passage with its similarity to the query.
type Match struct {
	DocID      string
	Pos        int
	Content    string
	Similarity float64
}

// Retriever indexes SOP documents and answers top-k passage queries.
type Retriever struct {
	store     *store.LocalStore
	engine    embedding.Engine
	chunkSize int
	logger    *zap.Logger
}

// NewRetriever builds a retriever over the given store and embedding
// engine. chunkSize bounds passage length in runes.
func NewRetriever(st *store.LocalStore, engine embedding.Engine, chunkSize int, logger *zap.Logger) *Retriever {
	if chunkSize <= 0 {
		chunkSize = 2000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{store: st, engine: engine, chunkSize: chunkSize, logger: logger}
}

// IndexDir walks dir and indexes every supported document. Returns the
// number of passages indexed. Unreadable files are skipped with a
// warning rather than failing the whole walk.
func (r *Retriever) IndexDir(ctx context.Context, dir string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("index sop dir: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("index sop dir: %s is not a directory", dir)
	}

	total := 0
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !supportedDoc(path) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.IndexFile(ctx, dir, path)
		if err != nil {
			r.logger.Warn("skipping document", zap.String("path", path), zap.Error(err))
			return nil
		}
		total += n
		return nil
	})
	if err != nil {
		return total, err
	}

	r.logger.Info("sop index complete", zap.String("dir", dir), zap.Int("passages", total))
	return total, nil
}

// IndexFile chunks, embeds, and stores a single document. The document
// id is its path relative to root so a move of the whole SOP tree does
// not orphan passages.
func (r *Retriever) IndexFile(ctx context.Context, root, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	docID := docIDFor(root, path)
	chunks := chunkParagraphs(string(data), r.chunkSize)
	if len(chunks) == 0 {
		// An emptied file still clears its stale passages.
		return 0, r.store.ReplacePassages(ctx, docID, nil)
	}

	vecs, err := r.engine.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", docID, err)
	}
	if len(vecs) != len(chunks) {
		return 0, fmt.Errorf("embed %s: got %d vectors for %d chunks", docID, len(vecs), len(chunks))
	}

	passages := make([]store.Passage, len(chunks))
	for i, c := range chunks {
		passages[i] = store.Passage{DocID: docID, Pos: i, Content: c, Embedding: vecs[i]}
	}
	if err := r.store.ReplacePassages(ctx, docID, passages); err != nil {
		return 0, err
	}

	r.logger.Debug("indexed document", zap.String("doc", docID), zap.Int("passages", len(passages)))
	return len(passages), nil
}

// Remove drops all passages of a document, keyed by path relative to
// root.
func (r *Retriever) Remove(ctx context.Context, root, path string) error {
	return r.store.ReplacePassages(ctx, docIDFor(root, path), nil)
}

// Query embeds the goal text and returns the top-k most similar
// passages. Ranking is deterministic: similarity descending, then index
// recency descending, then row id ascending.
func (r *Retriever) Query(ctx context.Context, text string, k int) ([]Match, error) {
	qvec, err := r.engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	passages, err := r.store.AllPassages(ctx)
	if err != nil {
		return nil, err
	}
	if len(passages) == 0 {
		return nil, nil
	}

	byID := make(map[int64]store.Passage, len(passages))
	cands := make([]embedding.Candidate, 0, len(passages))
	for _, p := range passages {
		sim, err := embedding.CosineSimilarity(qvec, p.Embedding)
		if err != nil {
			// Dimension mismatch means the passage was indexed with a
			// different engine; ignore it rather than failing the query.
			continue
		}
		byID[p.ID] = p
		cands = append(cands, embedding.Candidate{
			ID:         p.ID,
			Similarity: sim,
			TieBreak:   float64(p.IndexedAt.UnixNano()),
		})
	}

	ranked := embedding.Rank(cands, k)
	out := make([]Match, len(ranked))
	for i, c := range ranked {
		p := byID[c.ID]
		out[i] = Match{DocID: p.DocID, Pos: p.Pos, Content: p.Content, Similarity: c.Similarity}
	}
	return out, nil
}

func docIDFor(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(path)
}

func supportedDoc(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".mdx", ".txt", ".rst":
		return true
	default:
		return false
	}
}

// chunkParagraphs splits text on blank lines and packs consecutive
// paragraphs into chunks of at most maxLen runes. A single paragraph
// longer than maxLen is split rune-wise.
func chunkParagraphs(text string, maxLen int) []string {
	paras := splitParagraphs(text)
	if len(paras) == 0 {
		return nil
	}

	var out []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
			curLen = 0
		}
	}

	for _, p := range paras {
		plen := len([]rune(p))
		if plen > maxLen {
			flush()
			out = append(out, splitRunes(p, maxLen)...)
			continue
		}
		if curLen > 0 && curLen+plen+2 > maxLen {
			flush()
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(p)
		curLen += plen
	}
	flush()
	return out
}

func splitParagraphs(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitRunes(text string, maxLen int) []string {
	rs := []rune(text)
	out := make([]string, 0, len(rs)/maxLen+1)
	for i := 0; i < len(rs); i += maxLen {
		end := i + maxLen
		if end > len(rs) {
			end = len(rs)
		}
		out = append(out, strings.TrimSpace(string(rs[i:end])))
	}
	return out
}
