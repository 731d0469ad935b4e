package credsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spawnhq/spawn/internal/config"
	"github.com/spawnhq/spawn/internal/credstore"
	"github.com/spawnhq/spawn/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	adminToken = "admin-token"
	linkSecret = "link-secret"
)

type fakeMailer struct {
	sent []string
	fail bool
}

func (m *fakeMailer) SendBatchLink(to string, batch *Batch, link string) error {
	if m.fail {
		return fmt.Errorf("smtp refused")
	}
	m.sent = append(m.sent, link)
	return nil
}

func testService(t *testing.T) (*Service, *fakeMailer, *credstore.Store) {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	store, err := OpenStore(filepath.Join(dir, "credsvc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	limiter, err := NewRateLimiter("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { limiter.Close() })

	creds := credstore.NewStore(filepath.Join(dir, "bundles"), logger)
	mailer := &fakeMailer{}

	man := &manifest.Manifest{
		Clouds: map[string]manifest.CloudDef{
			"hetzner": {Name: "Hetzner Cloud", Homepage: "https://hetzner.com", Auth: "HCLOUD_TOKEN"},
			"vultr":   {Name: "Vultr", Homepage: "https://vultr.com", Auth: "VULTR_API_KEY"},
		},
	}

	cfg := config.CredSvcConfig{
		BaseURL:     "http://127.0.0.1:8378",
		Secret:      linkSecret,
		AdminToken:  adminToken,
		AdminEmail:  "ops@example.com",
		BatchExpiry: 24 * time.Hour,
	}

	return NewService(cfg, store, creds, mailer, limiter, man, logger), mailer, creds
}

func requestBatch(t *testing.T, h http.Handler, token string, providers []string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{"providers": providers})
	req := httptest.NewRequest(http.MethodPost, "/request-batch", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSignAndVerify(t *testing.T) {
	secret := []byte(linkSecret)
	exp := time.Now().Add(time.Hour).Unix()
	sig := signLink(secret, "batch-1", exp)

	assert.NoError(t, verifyLink(secret, "batch-1", fmt.Sprint(exp), sig, time.Now()))
	assert.Error(t, verifyLink(secret, "batch-2", fmt.Sprint(exp), sig, time.Now()))
	assert.Error(t, verifyLink(secret, "batch-1", fmt.Sprint(exp), "deadbeef", time.Now()))

	past := time.Now().Add(-time.Hour).Unix()
	pastSig := signLink(secret, "batch-1", past)
	assert.Error(t, verifyLink(secret, "batch-1", fmt.Sprint(past), pastSig, time.Now()))
}

func TestRequestBatchRequiresAuth(t *testing.T) {
	svc, _, _ := testService(t)
	rec := requestBatch(t, svc.Routes(), "wrong", []string{"hetzner"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestBatchEmailsAndPersists(t *testing.T) {
	svc, mailer, _ := testService(t)
	rec := requestBatch(t, svc.Routes(), adminToken, []string{"hetzner", "vultr"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, mailer.sent, 1)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	batchID := body["batch_id"].(string)

	batch, err := svc.store.Get(context.Background(), batchID)
	require.NoError(t, err)
	assert.Len(t, batch.Providers, 2)
	assert.Equal(t, StatusPending, batch.Providers[0].Status)
	assert.Contains(t, mailer.sent[0], batchID)
}

func TestRequestBatchNotPersistedWhenEmailFails(t *testing.T) {
	svc, mailer, _ := testService(t)
	mailer.fail = true

	rec := requestBatch(t, svc.Routes(), adminToken, []string{"hetzner"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestClaimFlow(t *testing.T) {
	svc, mailer, creds := testService(t)
	h := svc.Routes()

	rec := requestBatch(t, svc.Routes(), adminToken, []string{"hetzner"})
	require.Equal(t, http.StatusOK, rec.Code)
	link := mailer.sent[0]

	u, err := url.Parse(link)
	require.NoError(t, err)
	q := u.Query()

	// The form renders with strict headers.
	getReq := httptest.NewRequest(http.MethodGet, "/claim?"+u.RawQuery, nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	assert.Contains(t, getRec.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Equal(t, "nosniff", getRec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, getRec.Body.String(), "HCLOUD_TOKEN")

	// Submit the token; the provider transitions and the bundle lands.
	form := url.Values{}
	form.Set("batch", q.Get("batch"))
	form.Set("exp", q.Get("exp"))
	form.Set("sig", q.Get("sig"))
	form.Set("HCLOUD_TOKEN", "abc123token")

	postReq := httptest.NewRequest(http.MethodPost, "/claim", strings.NewReader(form.Encode()))
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	postRec := httptest.NewRecorder()
	h.ServeHTTP(postRec, postReq)
	require.Equal(t, http.StatusOK, postRec.Code)

	batch, err := svc.store.Get(context.Background(), q.Get("batch"))
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, batch.Providers[0].Status)
	assert.Equal(t, "abc123token", creds.Load("hetzner")["HCLOUD_TOKEN"])
}

func TestClaimRejectsMetacharacters(t *testing.T) {
	svc, mailer, _ := testService(t)
	h := svc.Routes()

	requestBatch(t, h, adminToken, []string{"hetzner"})
	u, _ := url.Parse(mailer.sent[0])
	q := u.Query()

	form := url.Values{}
	form.Set("batch", q.Get("batch"))
	form.Set("exp", q.Get("exp"))
	form.Set("sig", q.Get("sig"))
	form.Set("HCLOUD_TOKEN", "abc;rm -rf /")

	req := httptest.NewRequest(http.MethodPost, "/claim", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaimRejectsBadSignature(t *testing.T) {
	svc, mailer, _ := testService(t)
	h := svc.Routes()

	requestBatch(t, h, adminToken, []string{"hetzner"})
	u, _ := url.Parse(mailer.sent[0])
	q := u.Query()

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/claim?batch=%s&exp=%s&sig=%s", q.Get("batch"), q.Get("exp"), "0000"), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPartialSubmissionStaysPending(t *testing.T) {
	svc, mailer, creds := testService(t)
	h := svc.Routes()

	requestBatch(t, h, adminToken, []string{"hetzner"})
	u, _ := url.Parse(mailer.sent[0])
	q := u.Query()

	// Submitting nothing for the provider leaves it pending.
	form := url.Values{}
	form.Set("batch", q.Get("batch"))
	form.Set("exp", q.Get("exp"))
	form.Set("sig", q.Get("sig"))

	req := httptest.NewRequest(http.MethodPost, "/claim", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	batch, err := svc.store.Get(context.Background(), q.Get("batch"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, batch.Providers[0].Status)
	assert.Nil(t, creds.Load("hetzner"))
}

func TestDeleteKey(t *testing.T) {
	svc, _, creds := testService(t)
	h := svc.Routes()
	require.NoError(t, creds.Save("hetzner", map[string]string{"HCLOUD_TOKEN": "tok"}))

	req := httptest.NewRequest(http.MethodDelete, "/key/hetzner", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, creds.Load("hetzner"))

	// Unauthenticated delete is refused.
	req = httptest.NewRequest(http.MethodDelete, "/key/hetzner", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	limiter, err := NewRateLimiter("", zap.NewNop())
	require.NoError(t, err)
	defer limiter.Close()
	limiter.perAddress = 3

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(ctx, "198.51.100.1", "batch-a"))
	}
	assert.False(t, limiter.Allow(ctx, "198.51.100.1", "batch-a"))
	// A different client address is unaffected.
	assert.True(t, limiter.Allow(ctx, "198.51.100.2", "batch-a"))
}
