package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"docqa/internal/logging"
	"docqa/internal/util"
)

type embedItem struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// fakeEmbeddings encodes each input as a vector [len(input), position, 0].
func fakeEmbeddings(t *testing.T, calls *int32, reverse bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		require.Equal(t, "/openai/deployments/embed/embeddings", r.URL.Path)
		require.Equal(t, "2024-02-01", r.URL.Query().Get("api-version"))
		require.Equal(t, "secret", r.Header.Get("api-key"))
		var body struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "embed", body.Model)

		items := make([]embedItem, 0, len(body.Input))
		for i, in := range body.Input {
			items = append(items, embedItem{Embedding: []float32{float32(len(in)), float32(i), 0}, Index: i})
		}
		if reverse {
			for l, r := 0, len(items)-1; l < r; l, r = l+1, r-1 {
				items[l], items[r] = items[r], items[l]
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": items})
	}))
}

func newTestGateway(url string, dim int) *EmbeddingGateway {
	return NewEmbeddingGateway(EmbeddingConfig{
		Endpoint:   url + "/",
		APIKey:     "secret",
		APIVersion: "2024-02-01",
		Deployment: "embed",
		Dimension:  dim,
	}, logging.Discard())
}

func TestEmbedBatchesOfSixteen(t *testing.T) {
	var calls int32
	srv := fakeEmbeddings(t, &calls, false)
	defer srv.Close()

	texts := make([]string, 40)
	for i := range texts {
		texts[i] = string(make([]byte, i+1))
	}
	vecs, err := newTestGateway(srv.URL, 3).Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 40)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
	for i, v := range vecs {
		require.Equal(t, float32(i+1), v[0], "vector %d out of order", i)
	}
}

func TestEmbedRestoresOrderByIndex(t *testing.T) {
	var calls int32
	srv := fakeEmbeddings(t, &calls, true)
	defer srv.Close()

	vecs, err := newTestGateway(srv.URL, 3).Embed(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Equal(t, float32(1), vecs[0][0])
	require.Equal(t, float32(2), vecs[1][0])
	require.Equal(t, float32(3), vecs[2][0])
}

func TestEmbedEmptyInputMakesNoCall(t *testing.T) {
	var calls int32
	srv := fakeEmbeddings(t, &calls, false)
	defer srv.Close()

	vecs, err := newTestGateway(srv.URL, 3).Embed(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, vecs)
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestEmbedNon2xxIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL, 3).EmbedOne(context.Background(), "hello")
	require.Error(t, err)
	var up *util.UpstreamServiceError
	require.True(t, errors.As(err, &up))
	require.Equal(t, util.ServiceEmbedding, up.Service)
	require.Equal(t, http.StatusTooManyRequests, up.StatusCode)
	require.Contains(t, up.Body, "rate limited")
	require.Equal(t, ErrorRate, ClassifyError(err))
}

func TestEmbedCountAndDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []embedItem{{Embedding: []float32{1, 2}, Index: 0}}})
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL, 3).Embed(context.Background(), []string{"a"})
	require.ErrorIs(t, err, util.ErrUpstream)
	require.Contains(t, err.Error(), "dimension 2")

	_, err = newTestGateway(srv.URL, 2).Embed(context.Background(), []string{"a", "b"})
	require.ErrorIs(t, err, util.ErrUpstream)
	require.Contains(t, err.Error(), "expected 2 embeddings, got 1")
}

func TestMockEmbedderIsDeterministicUnitVector(t *testing.T) {
	m := NewMockEmbedder(8)
	a, err := m.Embed(context.Background(), []string{"hello", "hello", "world"})
	require.NoError(t, err)
	require.Equal(t, a[0], a[1])
	require.NotEqual(t, a[0], a[2])
	var sum float64
	for _, x := range a[0] {
		sum += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, sum, 1e-4)
}
