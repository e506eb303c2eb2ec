package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"docqa/internal/logging"
	"docqa/internal/util"
)

const DefaultEmbedBatchSize = 16

type EmbeddingConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Deployment string
	BatchSize  int
	// Dimension, when set, is enforced on every returned vector.
	Dimension         int
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
}

// EmbeddingGateway calls an Azure OpenAI embeddings deployment in fixed-size batches.
type EmbeddingGateway struct {
	cfg     EmbeddingConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewEmbeddingGateway(cfg EmbeddingConfig, logger *slog.Logger) *EmbeddingGateway {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultEmbedBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &EmbeddingGateway{cfg: cfg, client: client, limiter: limiter, logger: logging.OrDefault(logger)}
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one vector per text in input order. Any failing batch fails the whole call.
func (g *EmbeddingGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.cfg.BatchSize {
		end := start + g.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		vecs, err := g.embedBatch(ctx, texts[start:end])
		if err != nil {
			g.logger.Error("embedding batch failed", "batch_start", start, "batch_size", end-start, "error", err)
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (g *EmbeddingGateway) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (g *EmbeddingGateway) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	target := deploymentURL(g.cfg.Endpoint, g.cfg.Deployment, "embeddings", g.cfg.APIVersion)
	resp, err := postJSON(ctx, g.client, util.ServiceEmbedding, target, g.cfg.APIKey, map[string]any{
		"input": batch,
		"model": g.cfg.Deployment,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &util.UpstreamServiceError{Service: util.ServiceEmbedding, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Data) != len(batch) {
		return nil, &util.UpstreamServiceError{
			Service:    util.ServiceEmbedding,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("expected %d embeddings, got %d", len(batch), len(parsed.Data)),
		}
	}

	out := make([][]float32, len(batch))
	byIndex := true
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			byIndex = false
			break
		}
		out[d.Index] = d.Embedding
	}
	if !byIndex {
		for i, d := range parsed.Data {
			out[i] = d.Embedding
		}
	}
	for i, v := range out {
		if len(v) == 0 || (g.cfg.Dimension > 0 && len(v) != g.cfg.Dimension) {
			return nil, &util.UpstreamServiceError{
				Service:    util.ServiceEmbedding,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), g.cfg.Dimension),
			}
		}
	}
	return out, nil
}
