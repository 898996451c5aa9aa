package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	err := New(KindValidation, "query too long")
	assert.Equal(t, "validation: query too long", err.Error())

	wrapped := Wrap(KindStorage, "save conversation", errors.New("connection refused"))
	assert.Contains(t, wrapped.Error(), "save conversation")
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindEmbedding, "embed batch", cause)

	assert.True(t, errors.Is(err, cause))

	// Kind survives further wrapping with %w.
	outer := fmt.Errorf("ingest: %w", err)
	assert.Equal(t, KindEmbedding, KindOf(outer))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFound("conversation %d", 7)))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.True(t, IsKind(Validation("bad"), KindValidation))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("bad request"), http.StatusBadRequest},
		{NotFound("missing"), http.StatusNotFound},
		{Storage("down", nil, true), http.StatusServiceUnavailable},
		{Storage("constraint", nil, false), http.StatusInternalServerError},
		{New(KindEmbedding, "rate limited"), http.StatusServiceUnavailable},
		{New(KindEmbeddingDimension, "mismatch"), http.StatusServiceUnavailable},
		{New(KindLLM, "provider down"), http.StatusServiceUnavailable},
		{Internal("bug", nil), http.StatusInternalServerError},
		{errors.New("untyped"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "error: %v", tt.err)
	}
}
