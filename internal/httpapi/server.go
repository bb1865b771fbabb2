package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"visiond/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Variants() types.VariantsResponse
	Status() types.StatusResponse
	Generate(ctx context.Context, req types.GenerationRequest, w io.Writer, flush func()) error
	CancelGeneration()
	Switch(ctx context.Context, variant types.Variant) error
	PipelineStart(ctx context.Context) error
	PipelineStop()
	SetContinuous(on bool)
	TriggerOnce(ctx context.Context) (types.HandleStatus, error)
	Ready() bool
}

// pipelineStartRequest is the optional payload for POST /pipeline/start.
type pipelineStartRequest struct {
	Continuous *bool `json:"continuous,omitempty"`
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/variants", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Variants())
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeGenerateRequest(w, r)
		if !ok {
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		start := time.Now()
		writer := io.Writer(w)
		lvl := requestLogLevel(r)
		if lvl >= LevelDebug {
			writer = io.MultiWriter(w, &loggingLineWriter{})
		}
		if lvl >= LevelInfo {
			logRequest(r).Msg("generate start")
		}
		// Join server base context with request context so shutdown cancels
		// in-flight generations too.
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		err := svc.Generate(joinedCtx, req, writer, flush)
		if err != nil {
			// Client disconnect or shutdown: nothing useful to write.
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			status := statusForError(err)
			writeJSONError(w, status, err.Error())
			if lvl >= LevelInfo {
				logRequest(r).Int("status", status).Dur("dur", time.Since(start)).Err(err).Msg("generate end")
			}
			return
		}
		if lvl >= LevelInfo {
			logRequest(r).Int("status", http.StatusOK).Dur("dur", time.Since(start)).Msg("generate end")
		}
	})

	r.Post("/cancel", func(w http.ResponseWriter, r *http.Request) {
		svc.CancelGeneration()
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/switch", func(w http.ResponseWriter, r *http.Request) {
		if !requireJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.SwitchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Variant == "" {
			writeJSONError(w, http.StatusBadRequest, "variant is required")
			return
		}
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.Switch(joinedCtx, req.Variant); err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Route("/pipeline", func(r chi.Router) {
		r.Post("/start", func(w http.ResponseWriter, r *http.Request) {
			var req pipelineStartRequest
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
					return
				}
			}
			if req.Continuous != nil {
				svc.SetContinuous(*req.Continuous)
			}
			if err := svc.PipelineStart(serverBaseCtx); err != nil {
				writeJSONError(w, statusForError(err), err.Error())
				return
			}
			writeJSON(w, http.StatusOK, svc.Status().Pipeline)
		})
		r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
			svc.PipelineStop()
			writeJSON(w, http.StatusOK, svc.Status().Pipeline)
		})
		r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
			joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
			defer cancel()
			snap, err := svc.TriggerOnce(joinedCtx)
			if err != nil {
				writeJSONError(w, statusForError(err), err.Error())
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodeGenerateRequest validates and decodes the /generate payload,
// including base64 image decoding. Writes the error response itself.
func decodeGenerateRequest(w http.ResponseWriter, r *http.Request) (types.GenerationRequest, bool) {
	var zero types.GenerationRequest
	if !requireJSON(w, r) {
		return zero, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return zero, false
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return zero, false
	}
	images := make([][]byte, 0, len(req.Images))
	for _, s := range req.Images {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid base64 image")
			return zero, false
		}
		images = append(images, b)
	}
	return types.NewGenerationRequest(req.Prompt, req.Suffix, images), true
}

func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && zlog != nil {
		zlog.Error().Err(err).Msg("encode response")
	}
}
