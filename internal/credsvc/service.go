package credsvc

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spawnhq/spawn/internal/config"
	"github.com/spawnhq/spawn/internal/credstore"
	"github.com/spawnhq/spawn/internal/manifest"
	"go.uber.org/zap"
)

// metachars is the shell-metacharacter blacklist applied character by
// character to every submitted value.
const metachars = "`$&;|<>(){}[]*?!~^\"'\\\n\r\x00"

// Service wires the HTTP surface together.
type Service struct {
	cfg     config.CredSvcConfig
	store   *Store
	creds   *credstore.Store
	mailer  Mailer
	limiter *RateLimiter
	man     *manifest.Manifest
	logger  *zap.Logger
}

// NewService builds the credential self-service.
func NewService(
	cfg config.CredSvcConfig,
	store *Store,
	creds *credstore.Store,
	mailer Mailer,
	limiter *RateLimiter,
	man *manifest.Manifest,
	logger *zap.Logger,
) *Service {
	return &Service{
		cfg:     cfg,
		store:   store,
		creds:   creds,
		mailer:  mailer,
		limiter: limiter,
		man:     man,
		logger:  logger,
	}
}

// Routes builds the HTTP handler.
func (s *Service) Routes() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
	}))

	mux.Post("/request-batch", s.requireBearer(s.handleRequestBatch))
	mux.Get("/claim", s.handleClaimForm)
	mux.Post("/claim", s.handleClaimSubmit)
	mux.Delete("/key/{provider}", s.requireBearer(s.handleDeleteKey))
	return mux
}

func (s *Service) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		token := ""
		if strings.HasPrefix(header, prefix) {
			token = header[len(prefix):]
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			jsonError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

type requestBatchInput struct {
	Providers []string `json:"providers"`
}

func (s *Service) handleRequestBatch(w http.ResponseWriter, r *http.Request) {
	var in requestBatchInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Collect providers that are known and still missing credentials.
	var providers []Provider
	for _, key := range in.Providers {
		def, ok := s.man.Clouds[key]
		if !ok {
			jsonError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", key))
			return
		}
		vars := s.man.AuthVars(key)
		if len(vars) == 0 {
			continue
		}
		if s.creds.Load(key) != nil {
			continue
		}
		providers = append(providers, Provider{
			Key:         key,
			DisplayName: def.Name,
			EnvVars:     vars,
			HelpURL:     def.Homepage,
		})
	}

	if len(providers) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "nothing_pending"})
		return
	}

	batch := NewBatch(providers, s.cfg.BatchExpiry)
	exp := batch.ExpiresAt.Unix()
	link := fmt.Sprintf("%s/claim?batch=%s&exp=%d&sig=%s",
		strings.TrimRight(s.cfg.BaseURL, "/"),
		batch.ID, exp, signLink([]byte(s.cfg.Secret), batch.ID, exp))

	// Email first; the batch is only worth keeping if someone can reach
	// the form.
	if err := s.mailer.SendBatchLink(s.cfg.AdminEmail, batch, link); err != nil {
		s.logger.Error("failed to email batch link", zap.Error(err))
		jsonError(w, http.StatusBadGateway, "failed to deliver notification email")
		return
	}
	if err := s.store.Save(r.Context(), batch); err != nil {
		s.logger.Error("failed to persist batch", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "failed to persist batch")
		return
	}

	s.logger.Info("credential batch created",
		zap.String("batch_id", batch.ID),
		zap.Int("providers", len(providers)),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "emailed",
		"batch_id": batch.ID,
		"expires":  batch.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

var formTemplate = template.Must(template.New("claim").Parse(`<!doctype html>
<html><head><title>Provider credentials</title></head><body>
<h1>Provider credentials</h1>
<form method="post" action="/claim">
<input type="hidden" name="batch" value="{{.BatchID}}">
<input type="hidden" name="exp" value="{{.Exp}}">
<input type="hidden" name="sig" value="{{.Sig}}">
{{range .Providers}}
<fieldset>
<legend>{{.DisplayName}} ({{.Status}})</legend>
{{if .HelpURL}}<p><a href="{{.HelpURL}}" rel="noopener">where to find these</a></p>{{end}}
{{$status := .Status}}
{{range .EnvVars}}
<label>{{.}} <input type="password" name="{{.}}" {{if eq $status "fulfilled"}}disabled{{end}}></label><br>
{{end}}
</fieldset>
{{end}}
<button type="submit">Save</button>
</form>
</body></html>`))

func (s *Service) verifyLinkParams(r *http.Request) (*Batch, string, string, error) {
	batchID := r.FormValue("batch")
	expStr := r.FormValue("exp")
	sig := r.FormValue("sig")

	if err := verifyLink([]byte(s.cfg.Secret), batchID, expStr, sig, time.Now()); err != nil {
		return nil, "", "", err
	}

	batch, err := s.store.Get(r.Context(), batchID)
	if err != nil {
		return nil, "", "", err
	}
	if batch.Expired(time.Now()) {
		return nil, "", "", fmt.Errorf("link expired")
	}
	return batch, expStr, sig, nil
}

func (s *Service) handleClaimForm(w http.ResponseWriter, r *http.Request) {
	batch, exp, sig, err := s.verifyLinkParams(r)
	if err != nil {
		jsonError(w, http.StatusForbidden, "invalid or expired link")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; form-action 'self'; base-uri 'none'")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "no-referrer")

	data := map[string]interface{}{
		"BatchID":   batch.ID,
		"Exp":       exp,
		"Sig":       sig,
		"Providers": batch.Providers,
	}
	if err := formTemplate.Execute(w, data); err != nil {
		s.logger.Error("failed to render claim form", zap.Error(err))
	}
}

func (s *Service) handleClaimSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid form")
		return
	}

	batch, _, _, err := s.verifyLinkParams(r)
	if err != nil {
		jsonError(w, http.StatusForbidden, "invalid or expired link")
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.limiter.Allow(r.Context(), host, batch.ID) {
		jsonError(w, http.StatusTooManyRequests, "too many submissions")
		return
	}

	fulfilled := []string{}
	for _, p := range batch.Providers {
		if p.Status == StatusFulfilled {
			continue
		}

		bundle := map[string]string{}
		complete := true
		for _, name := range p.EnvVars {
			value := strings.TrimSpace(r.FormValue(name))
			if value == "" {
				complete = false
				break
			}
			if err := checkValue(value); err != nil {
				jsonError(w, http.StatusBadRequest,
					fmt.Sprintf("value for %s rejected: %v", name, err))
				return
			}
			bundle[name] = value
		}

		// Only a fully filled provider transitions; partial input is
		// ignored so the admin can come back later.
		if !complete {
			continue
		}

		if err := s.creds.Save(p.Key, bundle); err != nil {
			jsonError(w, http.StatusBadRequest, fmt.Sprintf("could not save %s: %v", p.Key, err))
			return
		}
		if err := s.store.MarkFulfilled(r.Context(), batch.ID, p.Key); err != nil {
			s.logger.Error("failed to mark provider fulfilled", zap.Error(err))
			jsonError(w, http.StatusInternalServerError, "failed to record fulfillment")
			return
		}
		fulfilled = append(fulfilled, p.Key)
	}

	s.logger.Info("credential submission processed",
		zap.String("batch_id", batch.ID),
		zap.Strings("fulfilled", fulfilled),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"fulfilled": fulfilled,
	})
}

func (s *Service) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if _, ok := s.man.Clouds[provider]; !ok {
		jsonError(w, http.StatusNotFound, "unknown provider")
		return
	}
	if err := s.creds.Remove(provider); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("credential file removed", zap.String("provider", provider))
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted"})
}

// checkValue walks the value character by character against the
// shell-metacharacter blacklist.
func checkValue(value string) error {
	for i, c := range value {
		if strings.ContainsRune(metachars, c) || c < 0x20 {
			return fmt.Errorf("disallowed character at position %d", i)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
