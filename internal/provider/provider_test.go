package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/promptor/internal/config"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	client := NewClient(OpenAI, "k", "http://localhost", time.Second, nil)
	r.Register(OpenAI, CapGenerate, client)
	r.MapModel("gpt-4o-mini", OpenAI)
	r.MapModel("claude-3-5-haiku-latest", Anthropic)

	got, kind, err := r.Resolve("gpt-4o-mini", CapGenerate)
	require.NoError(t, err)
	assert.Equal(t, OpenAI, kind)
	assert.Same(t, client, got)

	_, _, err = r.Resolve("gpt-4o-mini", CapSuggest)
	require.ErrorIs(t, err, ErrCapabilityUnsupported)

	_, _, err = r.Resolve("claude-3-5-haiku-latest", CapGenerate)
	require.ErrorIs(t, err, ErrProviderUnavailable)

	// no prefix matching
	_, _, err = r.Resolve("gpt-4o-mini-2024", CapGenerate)
	require.ErrorIs(t, err, ErrUnknownModel)

	assert.Equal(t, []string{"gpt-4o-mini"}, r.Models())
}

func TestFromConfig(t *testing.T) {
	cfg := config.Config{Providers: map[string]config.ProviderConfig{"mistral": {APIKey: "k", BaseURL: "http://x"}}}
	r, err := FromConfig(cfg, config.DefaultPricing(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mistral-small-latest"}, r.Models())

	cfg.Providers = map[string]config.ProviderConfig{"cohere": {APIKey: "k"}}
	_, err = FromConfig(cfg, config.DefaultPricing(), nil)
	require.Error(t, err)
}

func TestClientChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var body struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		if assert.Len(t, body.Messages, 2) {
			assert.Equal(t, "system", body.Messages[0]["role"])
		}

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"better prompt"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewClient(OpenAI, "key", srv.URL, time.Second, nil)
	out, err := c.Complete(context.Background(), Request{Model: "gpt-4o-mini", System: "be brief", Prompt: "draw a cat"})
	require.NoError(t, err)
	assert.Equal(t, "better prompt", out.Text)
	assert.Equal(t, 12, out.InputTokens)
	assert.Equal(t, 3, out.OutputTokens)
}

func TestClientMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":4,"output_tokens":1}}`))
	}))
	defer srv.Close()

	c := NewClient(Anthropic, "key", srv.URL, time.Second, nil)
	out, err := c.Complete(context.Background(), Request{Model: "claude-3-5-haiku-latest", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)
}

func TestClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Mistral, "key", srv.URL, time.Second, nil)
	_, err := c.Complete(context.Background(), Request{Model: "mistral-small-latest", Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=429")
}
