package httputil

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

type Config struct {
	Host              string        `env:"HOST"` // default: "127.0.0.1"
	Port              int           `env:"PORT"` // default: 8080
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"`
}

func (cfg *Config) host() string {
	h := cfg.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (cfg *Config) port() int {
	p := cfg.Port
	if p == 0 {
		p = 8080
	}
	return p
}

func (cfg *Config) Addr() string {
	return net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port()))
}

// NewServer returns a server for h that logs its errors with logger.
// It should be started with http.Server's ListenAndServe.
func NewServer(cfg *Config, h http.Handler, logger *slog.Logger) *http.Server {
	subLogger := logger.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	return &http.Server{
		Addr:              cfg.Addr(),
		ErrorLog:          subLogLogger,
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// WriteJSON writes v as the JSON body of a response with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	type response struct {
		Error string `json:"error"`
	}
	WriteJSON(w, status, &response{Error: message})
}

func GetHealth(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status string `json:"status"`
	}
	WriteJSON(w, http.StatusOK, &response{Status: "ok"})
}
