package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusBadRequest, "bad")

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"bad"}`, rr.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Query string `json:"query"`
	}

	tests := []struct {
		name    string
		payload string
		max     int64
		wantErr string
	}{
		{name: "valid", payload: `{"query":"{ users { id } }"}`, max: 1024},
		{name: "malformed", payload: `{"query":`, max: 1024, wantErr: "unexpected EOF"},
		{name: "trailing value", payload: `{"query":"a"} {"query":"b"}`, max: 1024, wantErr: "single JSON value"},
		{name: "too large", payload: `{"query":"` + strings.Repeat("x", 64) + `"}`, max: 16, wantErr: "exceeds 16 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(tt.payload))
			var got body
			err := DecodeJSON(httptest.NewRecorder(), req, tt.max, &got)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "{ users { id } }", got.Query)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
