package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/comments"
	"github.com/JakeFAU/botnet-tracker/internal/config"
	"github.com/JakeFAU/botnet-tracker/internal/heuristic"
	"github.com/JakeFAU/botnet-tracker/internal/identity"
	"github.com/JakeFAU/botnet-tracker/internal/logging"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
	"github.com/JakeFAU/botnet-tracker/internal/orchestrator"
)

const (
	requestTimeout = 5 * time.Minute
	maxBodyBytes   = 1 << 20
)

// GraphBuilder is the crawl pipeline surface the API drives.
type GraphBuilder interface {
	AddChannel(ctx context.Context, identifier string, prov botnet.Provenance) (orchestrator.CrawlResult, error)
	UpdateAllStoredChannels(ctx context.Context) (botnet.BatchResult, error)
	AddVideo(ctx context.Context, identifier string) (botnet.Video, error)
	AddDomain(ctx context.Context, raw string, prov botnet.Provenance) (botnet.Domain, error)
}

// SinkDiscoverer searches the web for channels linking to known domains or
// to known channels.
type SinkDiscoverer interface {
	DiscoverSinksForDomains(ctx context.Context, domains []string) (botnet.BatchResult, error)
	DiscoverReferrers(ctx context.Context, channelRefs []string) (botnet.BatchResult, error)
}

// CommentScanner mines a video's comment section for watched authors.
type CommentScanner interface {
	ScanVideoForComments(ctx context.Context, videoRef string) (comments.ScanResult, error)
	ScanKnownBots(ctx context.Context, videoRef string, channelRefs []string) (comments.ScanResult, error)
	HarvestAuthors(ctx context.Context, videoRef string) (comments.AuthorHarvest, error)
}

// PopularSeeder stores the videos of most-popular charts.
type PopularSeeder interface {
	SeedPopularVideos(ctx context.Context, queries []botnet.PopularQuery) (botnet.BatchResult, error)
}

// BotDetector runs the bot heuristic over a video's top comments.
type BotDetector interface {
	DetectBots(ctx context.Context, videoRef string, likeThreshold int64) (heuristic.DetectResult, error)
}

// ChannelReader reads stored channels.
type ChannelReader interface {
	GetChannel(ctx context.Context, id string) (botnet.Channel, error)
	GetChannelByHandle(ctx context.Context, handle string) (botnet.Channel, error)
}

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Deps collects the services behind the routes. Discoverer, Detector and
// Seeder are optional; their routes answer 503 when unset.
type Deps struct {
	Graph      GraphBuilder
	Discoverer SinkDiscoverer
	Scanner    CommentScanner
	Detector   BotDetector
	Seeder     PopularSeeder
	Channels   ChannelReader
	Readiness  map[string]ReadinessCheck
}

// Server wires HTTP handlers to the graph services.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(s.logger))
	r.Use(otelhttp.NewMiddleware(logging.ServiceName))
	r.Use(spanRouteMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/channels", func(r chi.Router) {
			r.Post("/", s.addChannel)
			r.Post("/recrawl", s.recrawl)
			r.Post("/discover-referrers", s.discoverReferrers)
			r.Get("/{channel_id}", s.getChannel)
		})
		r.Route("/videos", func(r chi.Router) {
			r.Post("/", s.addVideo)
			r.Post("/popular", s.seedPopular)
			r.Route("/{video_id}", func(r chi.Router) {
				r.Post("/scan", s.scanVideo)
				r.Post("/harvest-authors", s.harvestAuthors)
				r.Post("/scan-known-bots", s.scanKnownBots)
				r.Post("/detect-bots", s.detectBots)
			})
		})
		r.Route("/domains", func(r chi.Router) {
			r.Post("/", s.addDomain)
			r.Post("/discover-sinks", s.discoverSinks)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.deps.Readiness {
		if check == nil {
			continue
		}
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type channelRequest struct {
	Identifier string `json:"identifier"`
	Source     string `json:"source"`
	Notes      string `json:"notes"`
}

func (s *Server) addChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		writeError(w, http.StatusBadRequest, "identifier required")
		return
	}
	result, err := s.deps.Graph.AddChannel(r.Context(), req.Identifier, botnet.Provenance{Source: req.Source, Notes: req.Notes})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) recrawl(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Graph.UpdateAllStoredChannels(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	ref, err := identity.ResolveChannel(chi.URLParam(r, "channel_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var ch botnet.Channel
	if ref.Kind == botnet.RefChannelID {
		ch, err = s.deps.Channels.GetChannel(r.Context(), ref.Value)
	} else {
		ch, err = s.deps.Channels.GetChannelByHandle(r.Context(), ref.Value)
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type videoRequest struct {
	Identifier string `json:"identifier"`
}

func (s *Server) addVideo(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		writeError(w, http.StatusBadRequest, "identifier required")
		return
	}
	video, err := s.deps.Graph.AddVideo(r.Context(), req.Identifier)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

func (s *Server) scanVideo(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Scanner.ScanVideoForComments(r.Context(), chi.URLParam(r, "video_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) harvestAuthors(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Scanner.HarvestAuthors(r.Context(), chi.URLParam(r, "video_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type popularRequest struct {
	RegionCode string   `json:"region_code"`
	Categories []string `json:"categories"`
	Trending   bool     `json:"trending"`
	MaxResults int      `json:"max_results"`
}

// queries expands the request into one chart per category, plus the trending
// chart when asked for. An empty request selects the default charts.
func (req popularRequest) queries() []botnet.PopularQuery {
	var out []botnet.PopularQuery
	if req.Trending {
		out = append(out, botnet.PopularQuery{RegionCode: req.RegionCode, MaxResults: req.MaxResults})
	}
	for _, cat := range req.Categories {
		out = append(out, botnet.PopularQuery{RegionCode: req.RegionCode, CategoryID: cat, MaxResults: req.MaxResults})
	}
	return out
}

func (s *Server) seedPopular(w http.ResponseWriter, r *http.Request) {
	if s.deps.Seeder == nil {
		writeError(w, http.StatusServiceUnavailable, "popular seeding is not configured")
		return
	}
	var req popularRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	if req.MaxResults < 0 {
		writeError(w, http.StatusBadRequest, "max_results must be >= 0")
		return
	}
	result, err := s.deps.Seeder.SeedPopularVideos(r.Context(), req.queries())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type knownBotsRequest struct {
	Channels []string `json:"channels"`
}

func (s *Server) scanKnownBots(w http.ResponseWriter, r *http.Request) {
	var req knownBotsRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	result, err := s.deps.Scanner.ScanKnownBots(r.Context(), chi.URLParam(r, "video_id"), req.Channels)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type detectRequest struct {
	LikeThreshold *int64 `json:"like_threshold"`
}

func (s *Server) detectBots(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detector == nil {
		writeError(w, http.StatusServiceUnavailable, "bot detection requires the image safety checker")
		return
	}
	var req detectRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	threshold := valueOrDefault(req.LikeThreshold, s.cfg.Heuristic.LikeThreshold)
	result, err := s.deps.Detector.DetectBots(r.Context(), chi.URLParam(r, "video_id"), threshold)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type domainRequest struct {
	Domain string `json:"domain"`
	Source string `json:"source"`
	Notes  string `json:"notes"`
}

func (s *Server) addDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if !decodeBody(w, r, &req) {
		return
	}
	domain, err := s.deps.Graph.AddDomain(r.Context(), req.Domain, botnet.Provenance{Source: req.Source, Notes: req.Notes})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain)
}

type discoverRequest struct {
	Domains []string `json:"domains"`
}

func (s *Server) discoverSinks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discoverer == nil {
		writeError(w, http.StatusServiceUnavailable, "sink discovery requires a search engine")
		return
	}
	var req discoverRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	result, err := s.deps.Discoverer.DiscoverSinksForDomains(r.Context(), req.Domains)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type referrersRequest struct {
	Channels []string `json:"channels"`
}

func (s *Server) discoverReferrers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discoverer == nil {
		writeError(w, http.StatusServiceUnavailable, "referrer discovery requires a search engine")
		return
	}
	var req referrersRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.deps.Discoverer.DiscoverReferrers(r.Context(), req.Channels)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeServiceError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.logger).Error("request failed",
			zap.String("kind", string(botnet.KindOf(err))),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{
		"error":      err.Error(),
		"error_kind": string(botnet.KindOf(err)),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, botnet.ErrResolution),
		errors.Is(err, botnet.ErrValidation),
		errors.Is(err, botnet.ErrExtraction):
		return http.StatusBadRequest
	case errors.Is(err, botnet.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body as the zero request.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
			ctx = logging.WithContext(ctx, base.With(zap.String("request_id", reqID)))
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// spanRouteMiddleware renames the otelhttp server span after the matched chi
// route and tags it with the request ID.
func spanRouteMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			return
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			span.SetName(r.Method + " " + rctx.RoutePattern())
			span.SetAttributes(attribute.String("http.route", rctx.RoutePattern()))
		}
		span.SetAttributes(attribute.String("request_id", RequestID(r.Context())))
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		logging.FromContext(r.Context(), nil).Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.FromContext(r.Context(), nil).Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// RequestID returns the request ID assigned by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
