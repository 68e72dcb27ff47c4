package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	appmw "github.com/briangreenhill/canvasgpt/internal/http/middleware"
	"github.com/briangreenhill/canvasgpt/internal/pipeline"
	"github.com/briangreenhill/canvasgpt/tools"
)

const maxArgsBytes = 1 << 20

type Server struct {
	Router *chi.Mux
	Tools  *tools.Registry
	Log    zerolog.Logger
}

type ServerOptions struct {
	Tools    *tools.Registry
	Gatherer prometheus.Gatherer
	APIToken string
	Logger   zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("req_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Tools: opts.Tools, Log: opts.Logger}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("write health check response")
		}
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(pr chi.Router) {
		pr.Use(appmw.RequireToken(opts.APIToken))
		pr.Get("/tools", s.handleListTools)
		pr.Post("/tools/{name}", s.handleCallTool)
	})

	return s
}

type toolInfo struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Params      []tools.Param `json:"params"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	list := s.Tools.Tools()
	out := make([]toolInfo, 0, len(list))
	for _, t := range list {
		out = append(out, toolInfo{Name: t.Name(), Description: t.Description(), Params: t.Params()})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	args, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArgsBytes))
	if err != nil {
		writeFailure(w, r, http.StatusRequestEntityTooLarge, pipeline.Failure{
			Code:        pipeline.CodeInvalid,
			Message:     "The request body is too large.",
			Remediation: "Send tool arguments as a JSON object under 1 MiB.",
		})
		return
	}
	if len(args) > 0 && !json.Valid(args) {
		writeFailure(w, r, http.StatusBadRequest, pipeline.Failure{
			Code:        pipeline.CodeInvalid,
			Message:     "The request body is not valid JSON.",
			Remediation: "Send tool arguments as a JSON object.",
		})
		return
	}

	out, err := s.Tools.Call(r.Context(), name, args)
	if err != nil {
		s.handleToolError(w, r, name, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"tool": name, "result": out})
}

func (s *Server) handleToolError(w http.ResponseWriter, r *http.Request, name string, err error) {
	if errors.Is(err, tools.ErrUnknownTool) {
		writeFailure(w, r, http.StatusNotFound, pipeline.Failure{
			Code:        "unknown_tool",
			Message:     "No tool named " + name + ".",
			Remediation: "GET /tools lists the available tools.",
		})
		return
	}
	var ce *tools.CallError
	f := pipeline.Explain(err)
	if errors.As(err, &ce) {
		f = ce.Failure
		f.Message = "Error " + ce.Action + ": " + f.Message
	}
	hlog.FromRequest(r).Warn().Err(err).Str("tool", name).Str("code", string(f.Code)).Msg("tool call failed")
	writeFailure(w, r, statusFor(f.Code), f)
}

func statusFor(code pipeline.Code) int {
	switch code {
	case pipeline.CodeInvalid:
		return http.StatusBadRequest
	case pipeline.CodeNotFound:
		return http.StatusNotFound
	case pipeline.CodeForbidden:
		return http.StatusForbidden
	case pipeline.CodeThrottled:
		return http.StatusTooManyRequests
	case pipeline.CodeTimeout:
		return http.StatusGatewayTimeout
	case pipeline.CodeCanceled:
		return http.StatusServiceUnavailable
	case pipeline.CodeUnauthorized, pipeline.CodeUpstream, pipeline.CodeUnavailable, pipeline.CodeBadPayload:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeFailure(w http.ResponseWriter, r *http.Request, status int, f pipeline.Failure) {
	writeJSON(w, r, status, map[string]pipeline.Failure{"error": f})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("write response")
	}
}
