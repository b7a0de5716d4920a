// Package proxy relays copilot queries to a target service and re-emits
// the upstream body as an event stream.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/errors"
)

const (
	chunkSize = 1024

	ConnectErrorText = "Error: Could not connect to the backend service."
)

type Config struct {
	Listen    string
	Path      string
	TargetURL string
	RPS       float64
	Burst     int
}

type Proxy struct {
	cfg      Config
	client   *http.Client
	limiters *clientLimits
	metrics  *metrics
	registry *prometheus.Registry
	logger   *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Proxy {
	registry := prometheus.NewRegistry()
	return &Proxy{
		cfg:      cfg,
		client:   &http.Client{},
		limiters: newClientLimits(cfg.RPS, cfg.Burst),
		metrics:  newMetrics(registry),
		registry: registry,
		logger:   logger,
	}
}

// Handler returns the routed handler: the relay route, /metrics and CORS.
func (p *Proxy) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(p.cfg.Path, p.handleQuery).Methods(http.MethodPost, http.MethodOptions)
	router.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Accept"}),
	)
	return cors(router)
}

// ListenAndServe serves until ctx is done.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              p.cfg.Listen,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("Relay proxy listening",
			zap.String("addr", p.cfg.Listen),
			zap.String("path", p.cfg.Path),
			zap.String("target", p.cfg.TargetURL))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "serve proxy")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (p *Proxy) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	start := time.Now()
	status := http.StatusOK
	defer func() {
		p.metrics.requests.WithLabelValues(fmt.Sprint(status)).Inc()
		p.metrics.duration.Observe(time.Since(start).Seconds())
	}()

	if !p.limiters.Allow(clientIP(r)) {
		status = http.StatusTooManyRequests
		http.Error(w, "rate limit exceeded", status)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		http.Error(w, "invalid request body", status)
		return
	}

	upstream, err := p.forward(r.Context(), body, r.Header.Get("Authorization"))
	if err != nil {
		p.logger.Error("Error connecting to target server", zap.Error(err))
		p.metrics.upstreamErrors.Inc()
		status = http.StatusBadGateway
		http.Error(w, fmt.Sprintf("%s %v", ConnectErrorText, err), status)
		return
	}
	defer upstream.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, chunkSize)
	for {
		n, err := upstream.Body.Read(buf)
		if n > 0 {
			if _, werr := fmt.Fprintf(w, "data: %s\n\n", buf[:n]); werr != nil {
				p.logger.Warn("Client went away", zap.Error(werr))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			p.metrics.chunks.Inc()
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			p.logger.Error("An error occurred during streaming", zap.Error(err))
			return
		}
	}
}

// forward posts body to the target. Non-2xx answers are errors.
func (p *Proxy) forward(ctx context.Context, body []byte, auth string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TargetURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "build upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrConnection, "%v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, errors.Wrapf(errors.ErrConnection, "upstream answered %s", resp.Status)
	}
	return resp, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
