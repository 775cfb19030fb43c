package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelgate/internal/models"
)

// vectorFor derives a deterministic fake embedding from the input text so
// ordering checks can recognise which input produced which vector.
func vectorFor(text string) []float32 {
	var sum float32
	for _, r := range text {
		sum += float32(r)
	}
	return []float32{sum}
}

func echoEmbed(calls *[][]string, mu *sync.Mutex) EmbedFunc {
	return func(ctx context.Context, req models.UnifiedEmbeddingRequest) (*models.UnifiedEmbeddingResponse, error) {
		if mu != nil {
			mu.Lock()
			*calls = append(*calls, req.Inputs)
			mu.Unlock()
		}
		vectors := make([][]float32, len(req.Inputs))
		for i, text := range req.Inputs {
			vectors[i] = vectorFor(text)
		}
		return &models.UnifiedEmbeddingResponse{
			Model:   req.Model,
			Vectors: vectors,
			Usage:   models.Usage{PromptTokens: len(req.Inputs), TotalTokens: len(req.Inputs)},
		}, nil
	}
}

func inputs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("input-%02d", i)
	}
	return out
}

func TestEmbedBatchChunking(t *testing.T) {
	t.Parallel()

	coordinator, err := New(10, 4, 0)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls [][]string
	)

	req := models.UnifiedEmbeddingRequest{Model: "m", Inputs: inputs(25)}
	resp, err := coordinator.EmbedBatch(context.Background(), echoEmbed(&calls, &mu), req)
	require.NoError(t, err)

	require.Len(t, calls, 3)
	sizes := map[int]int{}
	for _, call := range calls {
		sizes[len(call)]++
	}
	assert.Equal(t, 2, sizes[10])
	assert.Equal(t, 1, sizes[5])

	require.Len(t, resp.Vectors, 25)
	for i, text := range req.Inputs {
		assert.Equal(t, vectorFor(text), resp.Vectors[i], "input %d", i)
	}

	assert.Equal(t, 25, resp.Usage.PromptTokens)
	assert.Equal(t, 25, resp.Usage.TotalTokens)
}

func TestEmbedBatchSingleChunk(t *testing.T) {
	t.Parallel()

	coordinator, err := New(100, 4, 0)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls [][]string
	)

	req := models.UnifiedEmbeddingRequest{Model: "m", Inputs: inputs(3)}
	resp, err := coordinator.EmbedBatch(context.Background(), echoEmbed(&calls, &mu), req)
	require.NoError(t, err)

	require.Len(t, calls, 1)
	assert.Equal(t, req.Inputs, calls[0])
	require.Len(t, resp.Vectors, 3)
}

func TestEmbedBatchEmptyInputs(t *testing.T) {
	t.Parallel()

	coordinator, err := New(10, 4, 0)
	require.NoError(t, err)

	_, err = coordinator.EmbedBatch(context.Background(), echoEmbed(nil, nil), models.UnifiedEmbeddingRequest{Model: "m"})
	require.Error(t, err)
}

func TestEmbedBatchChunkFailureAbortsBatch(t *testing.T) {
	t.Parallel()

	coordinator, err := New(10, 1, 0)
	require.NoError(t, err)

	upstreamErr := errors.New("quota exhausted")
	var callCount int
	embed := func(ctx context.Context, req models.UnifiedEmbeddingRequest) (*models.UnifiedEmbeddingResponse, error) {
		callCount++
		if callCount == 2 {
			return nil, upstreamErr
		}
		vectors := make([][]float32, len(req.Inputs))
		for i := range vectors {
			vectors[i] = []float32{1}
		}
		return &models.UnifiedEmbeddingResponse{Vectors: vectors}, nil
	}

	resp, err := coordinator.EmbedBatch(context.Background(), embed,
		models.UnifiedEmbeddingRequest{Model: "m", Inputs: inputs(25)})
	require.Error(t, err)
	assert.Nil(t, resp, "partial results must not be returned")

	var chunkErr *ChunkError
	require.True(t, errors.As(err, &chunkErr))
	require.Len(t, chunkErr.Positions, 10)
	assert.Equal(t, 10, chunkErr.Positions[0])
	assert.Equal(t, 19, chunkErr.Positions[9])
	assert.Contains(t, chunkErr.Error(), "[10,20)")
	assert.True(t, errors.Is(err, upstreamErr))
}

func TestEmbedBatchVectorCountMismatch(t *testing.T) {
	t.Parallel()

	coordinator, err := New(10, 1, 0)
	require.NoError(t, err)

	embed := func(ctx context.Context, req models.UnifiedEmbeddingRequest) (*models.UnifiedEmbeddingResponse, error) {
		return &models.UnifiedEmbeddingResponse{Vectors: [][]float32{{1}}}, nil
	}

	_, err = coordinator.EmbedBatch(context.Background(), embed,
		models.UnifiedEmbeddingRequest{Model: "m", Inputs: inputs(5)})
	require.Error(t, err)

	var chunkErr *ChunkError
	require.True(t, errors.As(err, &chunkErr))
	assert.Contains(t, chunkErr.Error(), "1 vectors for 5 inputs")
}

func TestEmbedBatchChunkErrorWithInterleavedCacheHit(t *testing.T) {
	t.Parallel()

	coordinator, err := New(2, 1, 16)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls [][]string
	)

	// Prime the cache with the middle input only.
	_, err = coordinator.EmbedBatch(context.Background(), echoEmbed(&calls, &mu),
		models.UnifiedEmbeddingRequest{Model: "m", Inputs: []string{"b"}})
	require.NoError(t, err)

	upstreamErr := errors.New("boom")
	failing := func(ctx context.Context, req models.UnifiedEmbeddingRequest) (*models.UnifiedEmbeddingResponse, error) {
		return nil, upstreamErr
	}

	// Input 1 is served from cache, so the failing chunk carries inputs 0
	// and 2 only; the error must name exactly those, not a covering range.
	_, err = coordinator.EmbedBatch(context.Background(), failing,
		models.UnifiedEmbeddingRequest{Model: "m", Inputs: []string{"a", "b", "c"}})
	require.Error(t, err)

	var chunkErr *ChunkError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, []int{0, 2}, chunkErr.Positions)
	assert.Contains(t, chunkErr.Error(), "{0,2}")
	assert.NotContains(t, chunkErr.Error(), "[0,3)")
}

func TestFormatPositions(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[0,0)", formatPositions(nil))
	assert.Equal(t, "[4,5)", formatPositions([]int{4}))
	assert.Equal(t, "[3,6)", formatPositions([]int{3, 4, 5}))
	assert.Equal(t, "{1,3,4}", formatPositions([]int{1, 3, 4}))
}

func TestEmbedBatchCancellation(t *testing.T) {
	t.Parallel()

	coordinator, err := New(1, 1, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	var callCount int
	embed := func(ctx context.Context, req models.UnifiedEmbeddingRequest) (*models.UnifiedEmbeddingResponse, error) {
		callCount++
		if callCount == 1 {
			cancel()
			return nil, ctx.Err()
		}
		return &models.UnifiedEmbeddingResponse{Vectors: [][]float32{{1}}}, nil
	}

	_, err = coordinator.EmbedBatch(ctx, embed,
		models.UnifiedEmbeddingRequest{Model: "m", Inputs: inputs(10)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, callCount, 10, "remaining chunks must be abandoned after cancellation")
}

func TestEmbedBatchCacheHit(t *testing.T) {
	t.Parallel()

	coordinator, err := New(10, 2, 16)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls [][]string
	)
	embed := echoEmbed(&calls, &mu)

	req := models.UnifiedEmbeddingRequest{Model: "m", Inputs: []string{"a", "b"}}
	first, err := coordinator.EmbedBatch(context.Background(), embed, req)
	require.NoError(t, err)

	// The second batch shares one cached input; only the new one goes upstream.
	second, err := coordinator.EmbedBatch(context.Background(), embed,
		models.UnifiedEmbeddingRequest{Model: "m", Inputs: []string{"a", "c"}})
	require.NoError(t, err)

	require.Len(t, calls, 2)
	assert.Equal(t, []string{"c"}, calls[1])

	assert.Equal(t, first.Vectors[0], second.Vectors[0])
	assert.Equal(t, vectorFor("c"), second.Vectors[1])

	// Usage reflects only upstream work, not cache hits.
	assert.Equal(t, 1, second.Usage.PromptTokens)
}

func TestEmbedBatchCacheKeyedByModelAndDimensions(t *testing.T) {
	t.Parallel()

	coordinator, err := New(10, 2, 16)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls [][]string
	)
	embed := echoEmbed(&calls, &mu)

	_, err = coordinator.EmbedBatch(context.Background(), embed,
		models.UnifiedEmbeddingRequest{Model: "m", Inputs: []string{"a"}})
	require.NoError(t, err)

	_, err = coordinator.EmbedBatch(context.Background(), embed,
		models.UnifiedEmbeddingRequest{Model: "m", Inputs: []string{"a"}, Dimensions: 64})
	require.NoError(t, err)

	// Different dimensions must bypass the cached vector.
	require.Len(t, calls, 2)
}

func TestNewRejectsBadArguments(t *testing.T) {
	t.Parallel()

	_, err := New(0, 4, 0)
	require.Error(t, err)

	_, err = New(10, 0, 0)
	require.Error(t, err)

	_, err = New(10, 4, -1)
	require.NoError(t, err, "negative cache size just disables the cache")
}
