package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestHandler(secret []byte) *Handler {
	return New(secret, "make", uuid.New(), nil, zap.NewNop().Sugar())
}

func signedRequest(t *testing.T, secret []byte, eventType string, payload []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-Hub-Signature-256", sign(secret, payload))
	return req
}

func TestRefToBranchStripsRefsHeadsPrefix(t *testing.T) {
	assert.Equal(t, "main", refToBranch("refs/heads/main"))
	assert.Equal(t, "refs/tags/v1", refToBranch("refs/tags/v1"))
	assert.Equal(t, "", refToBranch(""))
}

func TestServeHTTPRejectsInvalidSignature(t *testing.T) {
	secret := []byte("topsecret")
	h := newTestHandler(secret)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTPAcceptsNonPushEventWithoutTouchingEngine(t *testing.T) {
	secret := []byte("topsecret")
	h := newTestHandler(secret)

	payload := []byte(`{"zen":"keep it logically awesome"}`)
	req := signedRequest(t, secret, "ping", payload)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServeHTTPRejectsPushWithoutHeadCommit(t *testing.T) {
	secret := []byte("topsecret")
	h := newTestHandler(secret)

	payload := []byte(`{"ref":"refs/heads/main","repository":{"full_name":"acme/widget","clone_url":"https://github.com/acme/widget.git","default_branch":"main"}}`)
	req := signedRequest(t, secret, "push", payload)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
