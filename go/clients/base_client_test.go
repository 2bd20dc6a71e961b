package clients

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseClient_Get(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "text/markdown", r.Header.Get("Accept"))
			w.Write([]byte("hello"))
		default:
			http.Error(w, "missing", http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewBaseClient(server.URL + "/")
	client.SetHeader("Accept", "text/markdown")
	assert.Equal(t, server.URL, client.BaseURL())

	body, err := client.Get(context.Background(), "/ok")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	_, err = client.Get(context.Background(), "/nope")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "missing")
}

func TestBaseClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("late"))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBaseClient(server.URL).Get(ctx, "/")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
