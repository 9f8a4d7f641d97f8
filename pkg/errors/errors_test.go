package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"app error wins", New(ErrInvalidDate, http.StatusTeapot, "x"), http.StatusTeapot},
		{"wrapped date", fmt.Errorf("resolve: %w", ErrInvalidDate), http.StatusBadRequest},
		{"range", ErrInvalidRange, http.StatusBadRequest},
		{"token", ErrInvalidToken, http.StatusUnauthorized},
		{"rate", ErrRateLimited, http.StatusTooManyRequests},
		{"timeout", ErrTimeout, http.StatusGatewayTimeout},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusCode(tt.err))
		})
	}
}

func TestPublicMessage(t *testing.T) {
	err := fmt.Errorf("handler: %w", Newf(ErrInvalidRange, http.StatusBadRequest, "start %s after end", "x"))
	assert.Equal(t, "start x after end", PublicMessage(err))
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Equal(t, "internal error", PublicMessage(fmt.Errorf("db down")))
}
