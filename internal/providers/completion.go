package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docqa/internal/logging"
	"docqa/internal/util"
)

const DefaultMaxCompletionTokens = 1000

type ChatConfig struct {
	Endpoint            string
	APIKey              string
	APIVersion          string
	Deployment          string
	MaxCompletionTokens int
	Timeout             time.Duration
	HTTPClient          *http.Client
}

// ChatClient calls an Azure OpenAI chat completions deployment.
type ChatClient struct {
	cfg          ChatConfig
	client       *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

func NewChatClient(cfg ChatConfig, logger *slog.Logger) *ChatClient {
	if cfg.MaxCompletionTokens <= 0 {
		cfg.MaxCompletionTokens = DefaultMaxCompletionTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	// Streams are bounded by the caller's context, not a client-wide timeout.
	streamClient := cfg.HTTPClient
	if streamClient == nil {
		streamClient = &http.Client{}
	}
	return &ChatClient{cfg: cfg, client: client, streamClient: streamClient, logger: logging.OrDefault(logger)}
}

func (c *ChatClient) target() string {
	return deploymentURL(c.cfg.Endpoint, c.cfg.Deployment, "chat/completions", c.cfg.APIVersion)
}

func (c *ChatClient) body(req CompletionRequest, stream bool) CompletionRequest {
	if req.MaxCompletionTokens <= 0 {
		req.MaxCompletionTokens = c.cfg.MaxCompletionTokens
	}
	req.Stream = stream
	return req
}

func (c *ChatClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	resp, err := postJSON(ctx, c.client, util.ServiceCompletion, c.target(), c.cfg.APIKey, c.body(req, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &util.UpstreamServiceError{Service: util.ServiceCompletion, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &util.UpstreamServiceError{Service: util.ServiceCompletion, StatusCode: resp.StatusCode, Err: fmt.Errorf("empty choices")}
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func (c *ChatClient) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) error {
	resp, err := postJSON(ctx, c.streamClient, util.ServiceCompletion, c.target(), c.cfg.APIKey, c.body(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := ParseSSE(resp.Body, onDelta); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// ParseSSE reads "data: " frames until [DONE] or end of input and hands every
// non-empty choices[0].delta.content to onDelta. Malformed frames are skipped.
func ParseSSE(r io.Reader, onDelta func(string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := onDelta(chunk.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return &util.UpstreamServiceError{Service: util.ServiceCompletion, Err: fmt.Errorf("read stream: %w", err)}
	}
	return nil
}
