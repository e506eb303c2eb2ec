package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"docqa/internal/util"
)

type ErrorType string

const (
	ErrorQuota     ErrorType = "quota"
	ErrorRate      ErrorType = "rate"
	ErrorTransient ErrorType = "transient"
	ErrorPermanent ErrorType = "permanent"
	ErrorContext   ErrorType = "context"
)

// Retryable reports whether a job that failed with this class of error may be tried again.
func (t ErrorType) Retryable() bool {
	return t == ErrorRate || t == ErrorTransient
}

func ClassifyError(err error) ErrorType {
	if err == nil {
		return ""
	}
	if errors.Is(err, util.ErrValidation) || errors.Is(err, util.ErrNoExtractableText) || errors.Is(err, util.ErrUnsupportedFileType) {
		return ErrorPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTransient
	}

	var up *util.UpstreamServiceError
	if errors.As(err, &up) && up.StatusCode != 0 {
		body := strings.ToLower(up.Body)
		switch {
		case up.StatusCode == http.StatusTooManyRequests && strings.Contains(body, "quota"):
			return ErrorQuota
		case up.StatusCode == http.StatusTooManyRequests:
			return ErrorRate
		case up.StatusCode == http.StatusRequestTimeout || up.StatusCode >= 500:
			return ErrorTransient
		case strings.Contains(body, "context_length"):
			return ErrorContext
		default:
			return ErrorPermanent
		}
	}

	e := strings.ToLower(err.Error())
	switch {
	case strings.Contains(e, "quota"), strings.Contains(e, "credit"), strings.Contains(e, "insufficient_quota"):
		return ErrorQuota
	case strings.Contains(e, "rate limit"), strings.Contains(e, "429"):
		return ErrorRate
	case strings.Contains(e, "context length"), strings.Contains(e, "too long"):
		return ErrorContext
	case strings.Contains(e, "timeout"), strings.Contains(e, "temporarily"), strings.Contains(e, "unavailable"),
		strings.Contains(e, "connection refused"), strings.Contains(e, "connection reset"):
		return ErrorTransient
	case errors.Is(err, util.ErrStorage), errors.Is(err, util.ErrUpstream):
		return ErrorTransient
	default:
		return ErrorPermanent
	}
}
