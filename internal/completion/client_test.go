package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"mycomanager-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{URL: srv.URL, HTTPClient: srv.Client()}, zap.NewNop()), srv
}

func TestCompleteSendsPayloadAndReturnsText(t *testing.T) {
	var got payload
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"content":[{"type":"text","text":"Mantieni l'umidità all'85-90%."}]}`))
	})

	history := []models.ChatTurn{
		{Role: models.RoleUser, Content: "ciao"},
		{Role: models.RoleAssistant, Content: "Ciao! Come posso aiutarti?"},
	}
	text, err := c.Complete(context.Background(), ChatRequest(history, "Come coltivo i pleurotus?", ""))
	require.NoError(t, err)
	assert.Equal(t, "Mantieni l'umidità all'85-90%.", text)

	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, SystemPrompt, got.System)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
	assert.InDelta(t, DefaultTemperature, got.Temperature, 1e-9)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, models.ChatTurn{Role: models.RoleUser, Content: "Come coltivo i pleurotus?"}, got.Messages[2])
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		check    func(t *testing.T, err error)
		fallback string
	}{
		{
			name: "http status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			check: func(t *testing.T, err error) {
				var httpErr *HTTPError
				require.True(t, errors.As(err, &httpErr))
				assert.Equal(t, http.StatusBadGateway, httpErr.Status)
				assert.Contains(t, httpErr.Body, "boom")
			},
			fallback: "Errore AI (status 502).",
		},
		{
			name: "missing content",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"content":[]}`))
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			},
			fallback: "Risposta AI non valida.",
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`<html>`))
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			},
			fallback: "Risposta AI non valida.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.handler)
			_, err := c.Complete(context.Background(), ChatRequest(nil, "ciao", ""))
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, tt.fallback, FallbackText(err))
		})
	}
}

func TestCompleteNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{URL: url}, zap.NewNop())
	_, err := c.Complete(context.Background(), ChatRequest(nil, "ciao", ""))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, "Errore di rete nella chiamata al modello AI.", FallbackText(err))
}

func TestBreakerOpensWithoutRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		URL: srv.URL,
		Breaker: BreakerConfig{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          time.Minute,
			FailureThreshold: 1,
			MinRequests:      2,
		},
	}, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := c.Complete(context.Background(), ChatRequest(nil, "ciao", ""))
		var httpErr *HTTPError
		require.True(t, errors.As(err, &httpErr))
	}
	_, err := c.Complete(context.Background(), ChatRequest(nil, "ciao", ""))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerateTitle(t *testing.T) {
	var got payload
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"content":[{"type":"text","text":"  \"Coltivazione Pleurotus\"\n"}]}`))
	})

	title, ok := c.GenerateTitle(context.Background(), "Come coltivo i pleurotus?", "claude-3-haiku-20240307")
	require.True(t, ok)
	assert.Equal(t, "Coltivazione Pleurotus", title)

	assert.Equal(t, "claude-3-haiku-20240307", got.Model)
	assert.Equal(t, TitleSystemPrompt, got.System)
	assert.Equal(t, TitleMaxTokens, got.MaxTokens)
	assert.InDelta(t, TitleTemperature, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, TitlePromptPrefix+"Come coltivo i pleurotus?", got.Messages[0].Content)
}

func TestGenerateTitleFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	title, ok := c.GenerateTitle(context.Background(), "ciao", "")
	assert.False(t, ok)
	assert.Empty(t, title)

	c, _ = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[{"type":"text","text":"  \"\"  "}]}`))
	})
	_, ok = c.GenerateTitle(context.Background(), "ciao", "")
	assert.False(t, ok)
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Ottimizzazione LC", CleanTitle("'Ottimizzazione LC'"))
	assert.Equal(t, "Contaminazioni da Trichoderma", CleanTitle("«Contaminazioni da Trichoderma»\n"))
	assert.Equal(t, "Vendita funghi", CleanTitle("Vendita funghi"))
}
