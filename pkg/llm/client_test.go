package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chat-room-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) Client {
	return NewClient(config.LLMConfig{
		APIKey:  "sk-test",
		BaseURL: url,
		Model:   "glm-4.6",
		Generation: config.LLMGenerationConfig{
			Temperature: 0.7,
			MaxTokens:   4096,
		},
	})
}

func TestGenerate_PlainText(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"夜色渐深。"}}]}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL+"/").Generate(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "夜色渐深。", resp.Content)
	assert.Nil(t, resp.ToolCall)

	assert.Equal(t, "glm-4.6", captured["model"])
	assert.Equal(t, false, captured["stream"])
	assert.InDelta(t, 0.7, captured["temperature"], 1e-9)
	assert.EqualValues(t, 4096, captured["max_tokens"])
	_, hasTools := captured["tools"]
	assert.False(t, hasTools)
}

func TestGenerate_ToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[{"function":{"name":"admin_analysis","arguments":"{\"analysis_content\":\"局势紧张\",\"next_speaker\":\"小明\"}"}}]}}]}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Generate(context.Background(), Request{
		Messages:   []Message{{Role: "user", Content: "hi"}},
		Tools:      []Tool{{Type: "function", Function: ToolFunction{Name: "admin_analysis", Parameters: json.RawMessage(`{}`)}}},
		ToolChoice: "required",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.ToolCall)
	assert.Equal(t, "admin_analysis", resp.ToolCall.Name)

	var args map[string]string
	require.NoError(t, json.Unmarshal(resp.ToolCall.Arguments, &args))
	assert.Equal(t, "小明", args["next_speaker"])
}

func TestGenerate_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limited`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), Request{})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
}

func TestGenerate_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), Request{})
	require.Error(t, err)
}

func TestGenerate_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv.URL).Generate(ctx, Request{})
	require.Error(t, err)
}
