package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zeusync/firesim/internal/core/combustion"
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/vegetation"
	"github.com/zeusync/firesim/internal/core/weather"
)

const maxBody = 1 << 20

type entityRequest struct {
	ID uint64 `json:"id"`
}

type spawnRequest struct {
	Position  geom.Vec3 `json:"position"`
	Fuel      *float64  `json:"fuel,omitempty"`
	MaxRadius *float64  `json:"max_radius,omitempty"`
}

type countRequest struct {
	Count int `json:"count"`
}

// windRequest changes only the fields that are present. Yaw is in degrees
// and wins over Direction.
type windRequest struct {
	Yaw                *float64   `json:"yaw,omitempty"`
	Direction          *geom.Vec3 `json:"direction,omitempty"`
	Speed              *float64   `json:"speed,omitempty"`
	TickInterval       string     `json:"tick_interval,omitempty"`
	BackAngleTolerance *float64   `json:"back_angle_tolerance,omitempty"`
}

type frontRequest struct {
	Position geom.Vec3 `json:"position"`
}

func (s *Server) routes() http.Handler {
	auth := NewTokenAuth(s.config.Token, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /ws", auth.Wrap(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("GET /state", auth.Wrap(http.HandlerFunc(s.handleState)))
	mux.Handle("GET /entities", auth.Wrap(http.HandlerFunc(s.handleEntities)))
	mux.Handle("POST /spawn", auth.Wrap(http.HandlerFunc(s.handleSpawn)))
	mux.Handle("POST /ignite", auth.Wrap(s.entityAction(s.sim.Ignite)))
	mux.Handle("POST /extinguish", auth.Wrap(s.entityAction(s.sim.Extinguish)))
	mux.Handle("POST /toggle", auth.Wrap(http.HandlerFunc(s.handleToggle)))
	mux.Handle("POST /ignite_random", auth.Wrap(http.HandlerFunc(s.handleIgniteRandom)))
	mux.Handle("POST /front", auth.Wrap(http.HandlerFunc(s.handleFront)))
	mux.Handle("POST /wind", auth.Wrap(http.HandlerFunc(s.handleWind)))
	mux.Handle("POST /pause", auth.Wrap(s.pauseAction(true)))
	mux.Handle("POST /resume", auth.Wrap(s.pauseAction(false)))
	mux.Handle("POST /clear", auth.Wrap(http.HandlerFunc(s.handleClear)))
	mux.Handle("POST /snapshot", auth.Wrap(http.HandlerFunc(s.handleSnapshot)))
	return mux
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"simulation": s.sim.Stats(),
		"server":     s.GetStats(),
	})
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	var filter *combustion.State
	if q := r.URL.Query().Get("state"); q != "" {
		st, err := combustion.ParseState(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter = &st
	}
	out := make([]combustion.Status, 0)
	for _, c := range s.sim.Field().All() {
		st := c.Status()
		if filter != nil && st.State != *filter {
			continue
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if !decode(w, r, &req) {
		return
	}
	var opts []vegetation.SpawnOption
	if req.Fuel != nil {
		opts = append(opts, vegetation.WithFuel(*req.Fuel))
	}
	if req.MaxRadius != nil {
		opts = append(opts, vegetation.WithMaxRadius(*req.MaxRadius))
	}
	id, err := s.sim.Spawn(req.Position, opts...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": uint64(id)})
}

// entityAction serves ignite and extinguish; "changed" is false when the
// precondition did not hold.
func (s *Server) entityAction(fn func(models.EntityID) (bool, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req entityRequest
		if !decode(w, r, &req) {
			return
		}
		changed, err := fn(models.EntityID(req.ID))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "changed": changed})
	})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.sim.Toggle(models.EntityID(req.ID))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "state": st})
}

func (s *Server) handleIgniteRandom(w http.ResponseWriter, r *http.Request) {
	var req countRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.sim.IgniteRandom(req.Count)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"ignited": n})
}

func (s *Server) handleFront(w http.ResponseWriter, r *http.Request) {
	var req frontRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusCreated, s.sim.LaunchFront(req.Position))
}

func (s *Server) handleWind(w http.ResponseWriter, r *http.Request) {
	var req windRequest
	if !decode(w, r, &req) {
		return
	}
	var interval time.Duration
	if req.TickInterval != "" {
		d, err := time.ParseDuration(req.TickInterval)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: tick_interval: %w", ErrInvalidRequest, err))
			return
		}
		interval = d
	}

	applied, err := s.sim.UpdateWeather(func(ws *weather.Settings) {
		switch {
		case req.Yaw != nil:
			ws.WindDirection = geom.FromYaw(*req.Yaw)
		case req.Direction != nil:
			ws.WindDirection = *req.Direction
		}
		if req.Speed != nil {
			ws.WindSpeed = *req.Speed
		}
		if req.TickInterval != "" {
			ws.TickInterval = interval
		}
		if req.BackAngleTolerance != nil {
			ws.BackAngleTolerance = *req.BackAngleTolerance
		}
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

func (s *Server) pauseAction(pause bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		changed := s.sim.SetPaused(pause)
		writeJSON(w, http.StatusOK, map[string]bool{"paused": s.sim.Paused(), "changed": changed})
	})
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.sim.Clear()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, ErrNoStore)
		return
	}
	snap, err := s.sim.Save(r.Context(), s.store)
	if err != nil {
		s.logger.Error("Snapshot failed", log.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"run_id":   snap.RunID,
		"taken_at": snap.TakenAt,
		"entities": len(snap.Entities),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, vegetation.ErrUnknownID):
		return http.StatusNotFound
	case errors.Is(err, vegetation.ErrOccupied), errors.Is(err, vegetation.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, combustion.ErrNegativeFuel), errors.Is(err, combustion.ErrMaxRadius),
		errors.Is(err, combustion.ErrRadiusTooLarge):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
