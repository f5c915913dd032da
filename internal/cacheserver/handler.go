package cacheserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/k11v/mortar/internal/httputil"
)

const headerAuthorization = "Authorization"

// maxRequestBodySize bounds JSON request bodies.
const maxRequestBodySize = 1 << 20

type HandlerParams struct {
	Service     *Service // required
	Metrics     *Metrics // required
	Tokens      []string // empty disables authentication
	Development bool
	Logger      *slog.Logger
}

type Handler struct {
	mux     *http.ServeMux
	service *Service
	logger  *slog.Logger
}

func NewHandler(params *HandlerParams) *Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(params.Tokens) == 0 {
		logger.Warn("authentication is disabled because no tokens are configured")
	}

	h := &Handler{
		mux:     http.NewServeMux(),
		service: params.Service,
		logger:  logger,
	}

	auth := RequireToken(params.Tokens)
	h.mux.Handle("POST /caches/download", auth(http.HandlerFunc(h.Download)))
	h.mux.Handle("POST /caches/upload-sessions", auth(http.HandlerFunc(h.CreateUploadSession)))
	h.mux.HandleFunc("GET /health", httputil.GetHealth)
	h.mux.Handle("GET /metrics", params.Metrics.Handler())
	if params.Development {
		h.mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Download looks up a cache entry.
//
//	@Summary	Look up a cache entry
//	@Accept		json
//	@Produce	json
//	@Success	200
//	@Failure	404
//	@Router		/caches/download [post]
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	type request struct {
		BuildID     string   `json:"buildId"`
		Key         string   `json:"key"`
		Version     string   `json:"version"`
		KeyPrefixes []string `json:"keyPrefixes"`
	}

	type response struct {
		MatchedKey  string `json:"matchedKey"`
		DownloadURL string `json:"downloadUrl"`
	}

	var req request
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Key == "" {
		httputil.Error(w, http.StatusUnprocessableEntity, "invalid request body: missing key")
		return
	}
	if req.Version == "" {
		httputil.Error(w, http.StatusUnprocessableEntity, "invalid request body: missing version")
		return
	}

	result, err := h.service.Download(r.Context(), &DownloadParams{
		BuildID:     req.BuildID,
		Key:         req.Key,
		Version:     req.Version,
		KeyPrefixes: req.KeyPrefixes,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.Error(w, http.StatusNotFound, "cache not found")
			return
		}
		h.logger.Error("didn't look up cache", "key", req.Key, "err", err)
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, &response{
		MatchedKey:  result.MatchedKey,
		DownloadURL: result.DownloadURL,
	})
}

// CreateUploadSession reserves a cache entry and returns where to upload it.
//
//	@Summary	Reserve a cache entry
//	@Accept		json
//	@Produce	json
//	@Success	200
//	@Failure	409
//	@Router		/caches/upload-sessions [post]
func (h *Handler) CreateUploadSession(w http.ResponseWriter, r *http.Request) {
	type request struct {
		BuildID string `json:"buildId"`
		Key     string `json:"key"`
		Version string `json:"version"`
		Size    *int64 `json:"size"`
	}

	type response struct {
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	}

	var req request
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Key == "" {
		httputil.Error(w, http.StatusUnprocessableEntity, "invalid request body: missing key")
		return
	}
	if req.Version == "" {
		httputil.Error(w, http.StatusUnprocessableEntity, "invalid request body: missing version")
		return
	}
	if req.Size == nil {
		httputil.Error(w, http.StatusUnprocessableEntity, "invalid request body: missing size")
		return
	}
	if *req.Size < 0 {
		httputil.Error(w, http.StatusUnprocessableEntity, "invalid request body: negative size")
		return
	}

	session, err := h.service.CreateUploadSession(r.Context(), &CreateUploadSessionParams{
		BuildID: req.BuildID,
		Key:     req.Key,
		Version: req.Version,
		Size:    *req.Size,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			httputil.Error(w, http.StatusConflict, "cache already exists")
			return
		}
		h.logger.Error("didn't create upload session", "key", req.Key, "err", err)
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, &response{URL: session.URL, Headers: session.Headers})
}

// decodeRequest decodes a single JSON value from the body of r into v.
// It writes an error response and returns false when it can't.
func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httputil.Error(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err).Error())
		return false
	}
	if dec.More() {
		httputil.Error(w, http.StatusBadRequest, "invalid request body: multiple top-level values")
		return false
	}
	return true
}

// RequireToken rejects requests without one of the bearer tokens.
// It lets every request through when tokens is empty.
func RequireToken(tokens []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(tokens) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(r.Header.Values(headerAuthorization)) != 1 {
				httputil.Error(w, http.StatusUnauthorized, "expected one Authorization request header")
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get(headerAuthorization), "Bearer ")
			if !ok || !knownToken(tokens, token) {
				httputil.Error(w, http.StatusUnauthorized, "invalid Authorization request header")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func knownToken(tokens []string, token string) bool {
	known := 0
	for _, t := range tokens {
		known |= subtle.ConstantTimeCompare([]byte(t), []byte(token))
	}
	return known == 1
}
