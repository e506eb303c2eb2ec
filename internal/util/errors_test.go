package util

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomyMatchesSentinels(t *testing.T) {
	up := &UpstreamServiceError{Service: ServiceEmbedding, StatusCode: 429, Body: "slow down", Err: io.ErrUnexpectedEOF}
	require.ErrorIs(t, up, ErrUpstream)
	require.ErrorIs(t, up, io.ErrUnexpectedEOF)
	require.Contains(t, up.Error(), "embedding service error 429")

	st := &StorageError{Op: "upsert", Err: errors.New("boom")}
	require.ErrorIs(t, st, ErrStorage)

	qd := &QueueDecodeError{Raw: "{", Err: errors.New("unexpected end")}
	require.ErrorIs(t, qd, ErrQueueDecode)

	pb := &PartialBatchFailure{Stored: 100, Total: 250, Err: st}
	require.ErrorIs(t, pb, ErrPartialBatch)
	require.ErrorIs(t, pb, ErrStorage)

	var target *PartialBatchFailure
	wrapped := errors.Join(errors.New("index"), pb)
	require.True(t, errors.As(wrapped, &target))
	require.Equal(t, 100, target.Stored)
}

func TestValidationErrorMessageIsStable(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"query": "required", "file": "too large"}}
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "validation failed: file: too large; query: required", err.Error())
}
