package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"docqa/internal/util"
)

// deploymentURL builds {endpoint}/openai/deployments/{deployment}/{op}?api-version=...
func deploymentURL(endpoint, deployment, op, apiVersion string) string {
	base := strings.TrimRight(endpoint, "/")
	u := fmt.Sprintf("%s/openai/deployments/%s/%s", base, url.PathEscape(deployment), op)
	if apiVersion != "" {
		u += "?api-version=" + url.QueryEscape(apiVersion)
	}
	return u
}

// postJSON sends body to an Azure OpenAI deployment. A non-2xx status becomes an
// UpstreamServiceError; on success the caller owns resp.Body.
func postJSON(ctx context.Context, client *http.Client, service, target, apiKey string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", apiKey)
	resp, err := client.Do(req)
	if err != nil {
		return nil, &util.UpstreamServiceError{Service: service, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &util.UpstreamServiceError{Service: service, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, nil
}
