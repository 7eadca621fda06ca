// Package rpc exposes the register service over HTTP: unary JSON calls under
// /register.v1.Register/<Operation> and websocket streams for Search and
// Watch.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"register/internal/blob"
	"register/internal/core"
	"register/pkg/domain"
)

// Prefix roots every service route.
const Prefix = "/register.v1.Register"

const (
	maxBodyBytes        = 1 << 20
	defaultPingInterval = 30 * time.Second
)

// Server routes HTTP requests to a core.Service.
type Server struct {
	svc          *core.Service
	logger       zerolog.Logger
	tokens       []string
	metrics      http.Handler
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the transport logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l.With().Str("component", "rpc").Logger() }
}

// WithTokens enables apikey authentication for the service routes.
func WithTokens(tokens []string) Option {
	return func(s *Server) { s.tokens = append([]string(nil), tokens...) }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithPingInterval sets how often idle streams are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// New builds a Server for svc.
func New(svc *core.Service, opts ...Option) *Server {
	s := &Server{
		svc:          svc,
		logger:       zerolog.Nop(),
		pingInterval: defaultPingInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.accessLog, corsPolicy)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route(Prefix, func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/NewDraft", handle(func(ctx context.Context, req draftRequest) (idResponse, error) {
			id, err := s.svc.NewDraft(ctx, req.Summary)
			return idResponse{ID: id}, err
		}))
		r.Post("/UpdateDraft", handle(func(ctx context.Context, req updateRequest) (empty, error) {
			return empty{}, s.svc.UpdateDraft(ctx, req.ID, req.Summary)
		}))
		r.Post("/DeleteDraft", handle(func(ctx context.Context, req idRequest) (empty, error) {
			return empty{}, s.svc.DeleteDraft(ctx, req.ID)
		}))
		for _, tr := range domain.Transitions() {
			r.Post("/"+tr.Op.String(), s.transition(tr))
		}
		r.Post("/SearchById", handle(func(ctx context.Context, req idRequest) (domain.Record, error) {
			return s.svc.SearchByID(ctx, req.ID)
		}))
		r.Get("/Search", s.search)
		r.Get("/Watch", s.watch)
		r.Get("/Signatures/{id}", s.signatures)
		r.Get("/Signatures/{id}/{name}", s.signature)
	})
	return r
}

type (
	empty        struct{}
	idRequest    struct{ ID string `json:"id"` }
	draftRequest struct {
		Summary string `json:"summary"`
	}
	updateRequest struct {
		ID      string `json:"id"`
		Summary string `json:"summary"`
	}
	timeRequest struct {
		ID   string     `json:"id"`
		Time *time.Time `json:"time"`
	}
	signerRequest struct {
		ID     string         `json:"id"`
		Signer *domain.Signer `json:"signer"`
	}
	idResponse struct {
		ID string `json:"id"`
	}
	signaturesResponse struct {
		Archived   bool        `json:"archived"`
		Signatures []blob.Info `json:"signatures"`
	}
)

func (r timeRequest) at() time.Time {
	if r.Time == nil {
		return time.Time{}
	}
	return *r.Time
}

// transition picks the request shape from the payload the step writes.
// SubmitDraft takes only an id; the service stamps the creation time.
func (s *Server) transition(tr domain.Transition) http.HandlerFunc {
	op := tr.Op
	switch {
	case op == domain.OpSubmitDraft:
		return handle(func(ctx context.Context, req idRequest) (empty, error) {
			return empty{}, s.svc.SubmitDraft(ctx, req.ID)
		})
	case tr.Field.Payload() == domain.PayloadTime:
		return handle(func(ctx context.Context, req timeRequest) (empty, error) {
			return empty{}, s.svc.Transition(ctx, op, req.ID, domain.Input{At: req.at()})
		})
	case tr.Field.Payload() == domain.PayloadSigner:
		return handle(func(ctx context.Context, req signerRequest) (empty, error) {
			return empty{}, s.svc.Transition(ctx, op, req.ID, domain.Input{Signer: req.Signer})
		})
	default:
		return handle(func(ctx context.Context, req idRequest) (empty, error) {
			return empty{}, s.svc.Transition(ctx, op, req.ID, domain.Input{})
		})
	}
}

// handle decodes a JSON request, calls fn and encodes its result.
func handle[Req, Resp any](fn func(context.Context, Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := decode(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		resp, err := fn(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty request body: %w", core.ErrInvalidArgument)
		}
		return fmt.Errorf("decode request: %v: %w", err, core.ErrInvalidArgument)
	}
	return nil
}

func (s *Server) signatures(w http.ResponseWriter, r *http.Request) {
	infos, err := s.svc.Signatures(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signaturesResponse{Archived: s.svc.ArchiveEnabled(), Signatures: infos})
}

// signature serves one archived signature blob as stored.
func (s *Server) signature(w http.ResponseWriter, r *http.Request) {
	info, rc, err := s.svc.Signature(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
	if signer := info.Metadata["signer"]; signer != "" {
		w.Header().Set(SignerHeader, signer)
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug().Err(err).Str("key", info.Key).Msg("signature download interrupted")
	}
}
