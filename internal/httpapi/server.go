package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jkaberg/saic-fleet/internal/command"
	"github.com/jkaberg/saic-fleet/internal/metrics"
	"github.com/jkaberg/saic-fleet/internal/telemetry"
)

const serviceName = "saic-fleet"

type Dependencies struct {
	Logger     *logrus.Logger
	Addr       string
	Dispatcher *command.Dispatcher
	Cache      *telemetry.Cache
}

// Server exposes command dispatch, the cached live status and metrics over
// HTTP.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *logrus.Logger
	dispatcher *command.Dispatcher
	cache      *telemetry.Cache
}

func NewServer(d Dependencies) *Server {
	r := mux.NewRouter()
	s := &Server{
		router:     r,
		logger:     d.Logger,
		dispatcher: d.Dispatcher,
		cache:      d.Cache,
	}

	r.Use(s.logRequests)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/vehicle").Subrouter()
	api.HandleFunc("/lock", s.commandHandler(command.TypeLock, "lock", "vin, locked (boolean)")).Methods(http.MethodPost)
	api.HandleFunc("/climate", s.commandHandler(command.TypeClimate, "climate", "vin, action (on|off|front|blowingonly)")).Methods(http.MethodPost)
	api.HandleFunc("/charge", s.commandHandler(command.TypeCharge, "charge", "vin, action (start|stop|setTarget|setLimit)")).Methods(http.MethodPost)
	api.HandleFunc("/find", s.commandHandler(command.TypeFindMyCar, "find my car", "vin, mode (activate|lights_only|horn_only|stop)")).Methods(http.MethodPost)
	api.HandleFunc("/{vin}/status", s.handleStatus).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "service": serviceName}
	if s.cache != nil {
		body["vehicles"] = s.cache.Len()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) commandHandler(typ command.Type, label, required string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body == nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body"})
			return
		}
		vin, _ := body["vin"].(string)
		if vin == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request. Required: " + required})
			return
		}

		res, cmd, err := s.dispatcher.DispatchArgs(r.Context(), vin, string(typ), body)
		if err != nil {
			var verr *command.ValidationError
			if errors.As(err, &verr) || errors.Is(err, command.ErrUnknownCommand) {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			resp := map[string]any{
				"error":   "Failed to send " + label + " command",
				"details": err.Error(),
			}
			if res.CommandID != 0 {
				resp["commandId"] = res.CommandID
				resp["status"] = res.Status
			}
			writeJSON(w, http.StatusInternalServerError, resp)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"message":   cmd.Summary(),
			"commandId": res.CommandID,
			"status":    res.Status,
		})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	vin := mux.Vars(r)["vin"]
	snap, ok := s.cache.Snapshot(vin)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown vehicle"})
		return
	}
	snap.Fields[telemetry.FieldChargingState] = string(telemetry.DeriveChargingState(telemetry.IndicatorsFor(snap)))
	writeJSON(w, http.StatusOK, map[string]any{
		"vin":         snap.VIN,
		"last_update": snap.LastUpdate.UTC(),
		"status":      snap.Fields,
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": rec.status,
			"from":   r.RemoteAddr,
			"dur":    time.Since(start).String(),
		}).Debug("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
