package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/ollagram/internal/session"
)

func TestListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"models":[{"name":"llama3:8b","size":1},{"name":"gemma:2b"}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/api/", 5*time.Second)
	names, err := client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3:8b", "gemma:2b"}, names)
}

func TestListModels_EmptyCatalog(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"models":[]}`)
	}))
	defer server.Close()

	names, err := NewClient(server.URL, 5*time.Second).ListModels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestListModels_Malformed(t *testing.T) {
	for name, body := range map[string]string{
		"not json":       `<html>`,
		"missing models": `{"other":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			}))
			defer server.Close()

			_, err := NewClient(server.URL, 5*time.Second).ListModels(context.Background())
			require.Error(t, err)
		})
	}
}

func TestListModels_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`boom`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 5*time.Second).ListModels(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
}

func TestChatCompletion_SendsFullHistory(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		resp := map[string]any{
			"model":             got.Model,
			"message":           map[string]any{"role": "assistant", "content": "  Hello!  "},
			"done":              true,
			"prompt_eval_count": 42,
			"eval_count":        7,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	history := []session.Turn{
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAssistant, Content: "hello"},
		{Role: session.RoleUser, Content: "again"},
	}
	result, err := NewClient(server.URL, 5*time.Second).ChatCompletion(context.Background(), "llama3:8b", history)
	require.NoError(t, err)

	assert.Equal(t, "  Hello!  ", result.Content, "content is relayed verbatim")
	assert.Equal(t, 42, result.InputTokens)
	assert.Equal(t, 7, result.OutputTokens)

	assert.Equal(t, "llama3:8b", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "again"},
	}, got.Messages)
}

func TestChatCompletion_StreamFalseOnWire(t *testing.T) {
	var raw map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_, _ = io.WriteString(w, `{"message":{"content":"ok"}}`)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 5*time.Second).ChatCompletion(context.Background(), "m", nil)
	require.NoError(t, err)
	stream, present := raw["stream"]
	assert.True(t, present, "stream must be sent explicitly")
	assert.Equal(t, false, stream)
	assert.Equal(t, []any{}, raw["messages"])
}

func TestChatCompletion_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"   "},"done":true}`)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 5*time.Second).ChatCompletion(context.Background(), "m", nil)
	require.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestChatCompletion_MissingMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"done":true}`)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 5*time.Second).ChatCompletion(context.Background(), "m", nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEmptyCompletion))
}

func TestChatCompletion_ErrorField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":"model 'x' not found"}`)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 5*time.Second).ChatCompletion(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestChatCompletion_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 5*time.Second).ChatCompletion(context.Background(), "m", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=404")
}

func TestChatCompletion_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(server.URL, 5*time.Second).ChatCompletion(ctx, "m", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChatCompletion_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(url, time.Second).ChatCompletion(context.Background(), "m", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama request failed")
}
