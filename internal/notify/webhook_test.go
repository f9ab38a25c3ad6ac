package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlpulse/sqlpulse/internal/model"
)

func TestWebhookName(t *testing.T) {
	p := NewWebhook("http://localhost/hook", "", nil)
	assert.Equal(t, "webhook", p.Name())
}

func TestWebhookSendJSON(t *testing.T) {
	var gotBody model.Issue
	var gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhook(srv.URL+"/hook", "", nil)
	issue := model.Issue{
		DetectedAt: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
		IssueType:  "HIGH_IO_LATENCY",
		Severity:   "warning",
		Subject:    "sales file 2",
		Message:    "[sales] LOG file 2 averaging 250.0 ms per write",
		Value:      250,
	}

	err := p.Send(context.Background(), issue)
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "HIGH_IO_LATENCY", gotBody.IssueType)
	assert.Equal(t, "warning", gotBody.Severity)
	assert.Equal(t, "sales file 2", gotBody.Subject)
	assert.Equal(t, float64(250), gotBody.Value)
}

func TestWebhookCustomMethodAndHeaders(t *testing.T) {
	var gotMethod, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhook(srv.URL, http.MethodPut, map[string]string{"Authorization": "Bearer tok123"})
	err := p.Send(context.Background(), model.Issue{IssueType: "HOST_CPU_HIGH"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "Bearer tok123", gotAuth)
}

func TestWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewWebhook(srv.URL, "", nil)
	err := p.Send(context.Background(), model.Issue{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
