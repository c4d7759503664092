package app

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/config"
)

func signingClient(secret string) *http.Client {
	return &http.Client{Transport: &signingTransport{
		secret: []byte(secret),
		base:   http.DefaultTransport,
	}}
}

func TestSigningTransport(t *testing.T) {
	const secret = "webhook-secret"

	var gotSignature string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Parley-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := signingClient(secret)

	url := ts.URL + "/hooks/orders?status=open"
	resp, err := client.Post(url, "application/json", strings.NewReader(`{"id":42}`))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	// Body must survive the signing round trip intact.
	assert.JSONEq(t, `{"id":42}`, string(gotBody))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("POST\n" + url + "\n"))
	mac.Write([]byte(`{"id":42}`))
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, gotSignature)
}

func TestSigningTransport_NoBody(t *testing.T) {
	var gotSignature string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Parley-Signature")
	}))
	defer ts.Close()

	client := signingClient("s")
	resp, err := client.Get(ts.URL + "/ping")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.True(t, strings.HasPrefix(gotSignature, "sha256="))
}

func TestProvideWebhookClient_BlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := provideWebhookClient(&config.Config{})
	require.NotNil(t, client)

	// httptest binds to 127.0.0.1, which the egress guard rejects.
	resp, err := client.Get(ts.URL)
	if err == nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "egress blocked")
}

func TestProvideModelLimiter(t *testing.T) {
	assert.Nil(t, provideModelLimiter(&config.Config{}))

	cfg := &config.Config{}
	cfg.Engine.ModelRequestsPerSecond = 2.5
	limiter := provideModelLimiter(cfg)
	require.NotNil(t, limiter)
	assert.InDelta(t, 2.5, float64(limiter.Limit()), 1e-9)
}
