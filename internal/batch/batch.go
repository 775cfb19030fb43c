// Package batch splits oversized embedding inputs into provider-sized
// chunks, issues them concurrently under a bounded limit, and reassembles
// the vectors in input order. Partial results are never returned: a single
// chunk failure fails the whole batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"modelgate/internal/models"
)

// EmbedFunc issues one upstream embedding sub-call.
type EmbedFunc func(ctx context.Context, req models.UnifiedEmbeddingRequest) (*models.UnifiedEmbeddingResponse, error)

// ChunkError reports a failed sub-call together with the original input
// indices it covered. Cache hits can make those indices non-contiguous.
type ChunkError struct {
	Positions []int
	Err       error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("embedding chunk for inputs %s failed: %v", formatPositions(e.Positions), e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// formatPositions renders a contiguous run as a half-open range and anything
// else as the explicit index set.
func formatPositions(positions []int) string {
	if len(positions) == 0 {
		return "[0,0)"
	}
	first := positions[0]
	last := positions[len(positions)-1]
	if last-first+1 == len(positions) {
		return fmt.Sprintf("[%d,%d)", first, last+1)
	}

	parts := make([]string, len(positions))
	for i, p := range positions {
		parts[i] = strconv.Itoa(p)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Coordinator fans embedding inputs out to chunked upstream sub-calls.
// Previously embedded inputs are served from an LRU cache and skipped
// upstream; ordering of the assembled output always matches the inputs.
type Coordinator struct {
	chunkSize int
	limit     int
	cache     *lru.Cache[string, []float32]
}

// New constructs a coordinator. cacheSize of zero disables the vector cache.
func New(chunkSize, maxConcurrency, cacheSize int) (*Coordinator, error) {
	if chunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	if maxConcurrency <= 0 {
		return nil, errors.New("max concurrency must be positive")
	}

	c := &Coordinator{
		chunkSize: chunkSize,
		limit:     maxConcurrency,
	}

	if cacheSize > 0 {
		cache, err := lru.New[string, []float32](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		c.cache = cache
	}

	return c, nil
}

type pendingInput struct {
	pos  int // original input index
	text string
}

// EmbedBatch embeds all inputs of req using embed for upstream sub-calls.
// The returned vectors are aligned index-for-index with req.Inputs. A chunk
// failure aborts the batch and surfaces a ChunkError; cancellation releases
// sub-calls still pending and discards partial results.
func (c *Coordinator) EmbedBatch(ctx context.Context, embed EmbedFunc, req models.UnifiedEmbeddingRequest) (*models.UnifiedEmbeddingResponse, error) {
	if len(req.Inputs) == 0 {
		return nil, errors.New("embedding inputs must not be empty")
	}

	vectors := make([][]float32, len(req.Inputs))

	var pending []pendingInput
	for i, text := range req.Inputs {
		if cached, ok := c.lookup(req, text); ok {
			vectors[i] = cached
			continue
		}
		pending = append(pending, pendingInput{pos: i, text: text})
	}

	var (
		usageMu sync.Mutex
		usage   models.Usage
	)

	if len(pending) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.limit)

		for start := 0; start < len(pending); start += c.chunkSize {
			end := start + c.chunkSize
			if end > len(pending) {
				end = len(pending)
			}
			chunk := pending[start:end]

			g.Go(func() error {
				// A failed or cancelled sibling chunk aborts the rest of the
				// batch without issuing further upstream calls.
				if err := gctx.Err(); err != nil {
					return err
				}

				subReq := models.UnifiedEmbeddingRequest{
					Model:          req.Model,
					Inputs:         chunkTexts(chunk),
					Dimensions:     req.Dimensions,
					EncodingFormat: req.EncodingFormat,
				}

				resp, err := embed(gctx, subReq)
				if err != nil {
					return &ChunkError{Positions: chunkPositions(chunk), Err: err}
				}
				if len(resp.Vectors) != len(chunk) {
					return &ChunkError{
						Positions: chunkPositions(chunk),
						Err: fmt.Errorf("provider returned %d vectors for %d inputs",
							len(resp.Vectors), len(chunk)),
					}
				}

				// Each chunk writes a disjoint set of indices, so no lock is
				// needed around the result slice.
				for i, in := range chunk {
					vectors[in.pos] = resp.Vectors[i]
					c.store(req, in.text, resp.Vectors[i])
				}

				usageMu.Lock()
				usage.Add(resp.Usage)
				usageMu.Unlock()
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return &models.UnifiedEmbeddingResponse{
		Model:   req.Model,
		Vectors: vectors,
		Usage:   usage,
	}, nil
}

func (c *Coordinator) lookup(req models.UnifiedEmbeddingRequest, text string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(cacheKey(req, text))
}

func (c *Coordinator) store(req models.UnifiedEmbeddingRequest, text string, vector []float32) {
	if c.cache == nil {
		return
	}
	c.cache.Add(cacheKey(req, text), vector)
}

func cacheKey(req models.UnifiedEmbeddingRequest, text string) string {
	var b strings.Builder
	b.WriteString(req.Model)
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(req.Dimensions))
	b.WriteByte(0)
	b.WriteString(text)
	return b.String()
}

func chunkTexts(chunk []pendingInput) []string {
	texts := make([]string, len(chunk))
	for i, in := range chunk {
		texts[i] = in.text
	}
	return texts
}

func chunkPositions(chunk []pendingInput) []int {
	positions := make([]int, len(chunk))
	for i, in := range chunk {
		positions[i] = in.pos
	}
	return positions
}
