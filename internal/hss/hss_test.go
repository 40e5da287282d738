package hss

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDeterministic_FetchVector_NeverFails(t *testing.T) {
	d := NewDeterministic(zaptest.NewLogger(t))
	vec, err := d.FetchVector(context.Background(), "001010000000001")
	require.NoError(t, err)
	assert.Len(t, vec.RAND, 16)
	assert.Len(t, vec.AUTN, 16)
	assert.Len(t, vec.XRES, 8)
	assert.Len(t, vec.KASME, 32)
}

func TestDeterministic_FetchVector_VariesPerCall(t *testing.T) {
	d := NewDeterministic(zaptest.NewLogger(t))
	a, err := d.FetchVector(context.Background(), "imsi")
	require.NoError(t, err)
	b, err := d.FetchVector(context.Background(), "imsi")
	require.NoError(t, err)
	assert.NotEqual(t, a.RAND, b.RAND)
}

func TestHTTPClient_FetchVector_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth-vectors", r.URL.Path)
		var req vectorRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "001010000000001", req.IMSI)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(vectorResponse{
			RAND:  []byte{1, 2, 3},
			AUTN:  []byte{4, 5, 6},
			XRES:  []byte{7, 8},
			KASME: []byte{9},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, zaptest.NewLogger(t))
	vec, err := c.FetchVector(context.Background(), "001010000000001")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, vec.RAND)
	assert.Equal(t, []byte{9}, vec.KASME)
}

func TestHTTPClient_FetchVector_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, zaptest.NewLogger(t))
	_, err := c.FetchVector(context.Background(), "imsi")
	assert.Error(t, err)
}
