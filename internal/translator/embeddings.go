package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"modelgate/internal/models"
)

var (
	errEmptyEmbeddingInput   = errors.New("input must be provided")
	errInvalidEmbeddingInput = errors.New("input must be a string or an array of strings")
	errNegativeDimensions    = errors.New("dimensions must be a positive integer")
	errInvalidEncodingFormat = errors.New("encoding_format must be \"float\" or \"base64\"")
)

// EmbeddingRequest models the OpenAI /v1/embeddings request payload.
type EmbeddingRequest struct {
	Model          string
	Inputs         []string
	Dimensions     int
	EncodingFormat string
}

// UnmarshalJSON implements custom parsing to enforce validation. Input
// accepts a single string or an array of strings.
func (r *EmbeddingRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		Dimensions     *int            `json:"dimensions"`
		EncodingFormat string          `json:"encoding_format"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode embedding request: %w", err)
	}

	inputs, err := parseEmbeddingInput(raw.Input)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Inputs = inputs
	r.EncodingFormat = raw.EncodingFormat

	if raw.Dimensions != nil {
		if *raw.Dimensions <= 0 {
			return errNegativeDimensions
		}
		r.Dimensions = *raw.Dimensions
	}

	switch r.EncodingFormat {
	case "", "float", "base64":
	default:
		return errInvalidEncodingFormat
	}

	if r.Model == "" {
		return errEmptyModel
	}
	return nil
}

// ToUnified converts the embedding request into the canonical format.
func (r EmbeddingRequest) ToUnified() models.UnifiedEmbeddingRequest {
	inputs := make([]string, len(r.Inputs))
	copy(inputs, r.Inputs)

	return models.UnifiedEmbeddingRequest{
		Model:          r.Model,
		Inputs:         inputs,
		Dimensions:     r.Dimensions,
		EncodingFormat: r.EncodingFormat,
	}
}

func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, errEmptyEmbeddingInput
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, errEmptyEmbeddingInput
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		if len(multi) == 0 {
			return nil, errEmptyEmbeddingInput
		}
		return multi, nil
	}

	return nil, errInvalidEmbeddingInput
}

// EmbeddingResponse models the OpenAI /v1/embeddings response payload.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  *EmbeddingUsage `json:"usage,omitempty"`
}

// EmbeddingData is one embedding vector with its input index.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// EmbeddingUsage mirrors the usage block in embedding responses.
type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// FromUnifiedEmbeddings constructs the embeddings wire shape from unified
// data, preserving input ordering index-for-index.
func FromUnifiedEmbeddings(modelID string, resp *models.UnifiedEmbeddingResponse) EmbeddingResponse {
	data := make([]EmbeddingData, len(resp.Vectors))
	for i, vector := range resp.Vectors {
		data[i] = EmbeddingData{
			Object:    "embedding",
			Embedding: vector,
			Index:     i,
		}
	}

	out := EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  modelID,
	}

	if resp.Usage.PromptTokens != 0 || resp.Usage.TotalTokens != 0 {
		out.Usage = &EmbeddingUsage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}

	return out
}
