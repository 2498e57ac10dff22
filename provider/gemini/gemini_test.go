package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/inferbill"
)

func TestChatCompletion_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"))
		assert.Equal(t, "cid-9", r.Header.Get(inferbill.HeaderCorrelationID))

		var body geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Contents, 2)
		assert.Equal(t, "model", body.Contents[1].Role)

		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Hel"}, {"text": "lo"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 2, "totalTokenCount": 6}
		}`))
	}))
	defer srv.Close()

	p := New(WithBaseURL(srv.URL), WithName("gemini-eu"))
	resp, err := p.ChatCompletion(context.Background(), inferbill.ProviderRequest{
		Auth:  inferbill.Auth{APIKey: "g-key"},
		Model: "gemini-2.0-flash",
		Messages: []inferbill.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		CorrelationID: "cid-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini-eu", p.Name())
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, int64(4), resp.Usage.PromptTokens)
	assert.Equal(t, int64(2), resp.Usage.CompletionTokens)
}

func TestChatCompletion_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL)).ChatCompletion(context.Background(), inferbill.ProviderRequest{Model: "m"})
	require.Error(t, err)

	var ue *inferbill.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "gemini", ue.Provider)
	assert.Equal(t, inferbill.KindRateLimited, inferbill.KindOf(err))
}

func TestChatCompletion_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(WithBaseURL(url)).ChatCompletion(context.Background(), inferbill.ProviderRequest{Model: "m"})
	require.Error(t, err)
	assert.True(t, inferbill.IsTransport(err))
}

func TestBuildRequest_GenerationConfig(t *testing.T) {
	assert.Nil(t, buildRequest(inferbill.ProviderRequest{}).GenerationConfig)

	temp := 0.2
	gr := buildRequest(inferbill.ProviderRequest{Temperature: &temp})
	require.NotNil(t, gr.GenerationConfig)
	assert.Equal(t, &temp, gr.GenerationConfig.Temperature)
}
