package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/topiclane/internal/activation"
	"github.com/ent0n29/topiclane/internal/config"
	"github.com/ent0n29/topiclane/internal/events"
	"github.com/ent0n29/topiclane/internal/lanes"
	"github.com/ent0n29/topiclane/internal/observability"
	"github.com/ent0n29/topiclane/internal/todoexec"
	"github.com/ent0n29/topiclane/internal/todos"
	"github.com/ent0n29/topiclane/internal/topics"
)

type Deps struct {
	Todos      todos.ObservableStore
	Activation *activation.Set
	Lanes      *lanes.Registry
	Bus        *events.Bus
	Topics     *topics.Tracker
	Executor   *todoexec.Executor
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	StoreMode  string
}

type Server struct {
	cfg        config.Config
	todos      todos.ObservableStore
	activation *activation.Set
	lanes      *lanes.Registry
	bus        *events.Bus
	topics     *topics.Tracker
	executor   *todoexec.Executor
	metrics    *observability.Metrics
	logger     *slog.Logger
	storeMode  string
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	storeMode := strings.TrimSpace(deps.StoreMode)
	if storeMode == "" {
		storeMode = "in-memory"
	}
	return &Server{
		cfg:        cfg,
		todos:      deps.Todos,
		activation: deps.Activation,
		lanes:      deps.Lanes,
		bus:        deps.Bus,
		topics:     deps.Topics,
		executor:   deps.Executor,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "httpapi"),
		storeMode:  storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/v1/stats", s.handleStats)

		r.Route("/v1/owners/{owner}", func(r chi.Router) {
			r.Post("/todos", s.handleAddTodo)
			r.Get("/todos", s.handleListTodos)
			r.Delete("/todos", s.handleClearFinished)
			r.Post("/todos/{id}/retry", s.handleRetryTodo)
			r.Delete("/todos/{id}", s.handleRemoveTodo)
			r.Post("/activate", s.handleActivate)
			r.Post("/deactivate", s.handleDeactivate)
		})
		r.Get("/v1/activation", s.handleListActivation)

		r.Get("/v1/lanes", s.handleListLanes)
		r.Get("/v1/lanes/ws", s.handleLanesWS)
		r.Get("/v1/lanes/{key}", s.handleGetLane)
		r.Delete("/v1/lanes/{key}", s.handleClearLane)

		r.Post("/v1/topics/{topic}/generation/start", s.handleStartGeneration)
		r.Post("/v1/topics/{topic}/generation/end", s.handleEndGeneration)
	})

	return r
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(route, status)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.todos == nil || s.executor == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "not_ready",
			"store_mode": s.storeMode,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"store_mode":   s.storeMode,
		"active_lanes": s.lanes.ActiveCount(),
		"in_flight":    len(s.executor.InFlight()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.PipelineSnapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var (
	errEmptyBody = errors.New("empty body")
	validate     = validator.New(validator.WithRequiredStructEnabled())
)

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decodeValid decodes a JSON body and checks its validate tags.
func decodeValid(r *http.Request, out any) error {
	if err := decodeJSON(r, out); err != nil {
		return err
	}
	return validate.Struct(out)
}

func respondDecodeError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Namespace()+" failed "+fe.Tag())
		}
		respondError(w, http.StatusBadRequest, "validation_failed", strings.Join(fields, "; "))
		return
	}
	respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
