package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"krausen/config"
	"krausen/models"
	"krausen/services"
	"krausen/store"
	"krausen/ws"
)

// Server exposes the HTTP surface: push ingest for sensors that speak
// plain HTTP, the live websocket feed, batch overrides and calibration
// management. Batch CRUD beyond that lives in the companion app.
type Server struct {
	config    *config.Config
	store     *store.Store
	pipeline  *services.IngestPipeline
	tracker   *services.Tracker
	predictor *services.Predictor
	health    *services.HealthCheckService
	hub       *ws.Hub
	logger    *zap.Logger
	httpSrv   *http.Server
}

// NewServer wires the routes.
func NewServer(cfg *config.Config, st *store.Store, pipeline *services.IngestPipeline,
	tracker *services.Tracker, health *services.HealthCheckService, hub *ws.Hub, logger *zap.Logger) *Server {
	s := &Server{
		config:    cfg,
		store:     st,
		pipeline:  pipeline,
		tracker:   tracker,
		predictor: services.NewPredictor(cfg),
		health:    health,
		hub:       hub,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", hub)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/readings", s.handleSubmitReading)
	mux.HandleFunc("GET /api/v1/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("GET /api/v1/batches/{id}/readings", s.handleBatchReadings)
	mux.HandleFunc("GET /api/v1/batches/{id}/events", s.handleBatchEvents)
	mux.HandleFunc("GET /api/v1/batches/{id}/prediction", s.handleBatchPrediction)
	mux.HandleFunc("POST /api/v1/batches/{id}/override", s.handleOverride)
	mux.HandleFunc("GET /api/v1/devices/{device}/readings", s.handleDeviceReadings)
	mux.HandleFunc("GET /api/v1/devices/{device}/calibration", s.handleListCalibration)
	mux.HandleFunc("POST /api/v1/devices/{device}/calibration", s.handleAddCalibration)

	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.config.ListenAddr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
		}
		return nil
	}
}

// handleSubmitReading accepts one raw reading over HTTP push. The
// pipeline validates it; transport-level parse failures are rejected
// here.
func (s *Server) handleSubmitReading(w http.ResponseWriter, r *http.Request) {
	var raw models.RawReading
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if raw.DeviceID == "" {
		s.writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	s.pipeline.Submit(&raw)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":         "ok",
		"tracked_pairs":  s.tracker.TrackedPairs(),
		"ws_subscribers": s.hub.Count(),
	}
	if s.health != nil {
		resp["devices"] = s.health.AllDevices()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.loadBatch(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleBatchReadings(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.loadBatch(w, r)
	if !ok {
		return
	}

	readings, err := s.store.ReadingsForBatch(r.Context(), batch.ID)
	if err != nil {
		s.logger.Error("Failed to load readings", zap.Int64("batch_id", batch.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.loadBatch(w, r)
	if !ok {
		return
	}

	events, err := s.store.ControlEvents(r.Context(), batch.ID)
	if err != nil {
		s.logger.Error("Failed to load control events", zap.Int64("batch_id", batch.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// handleBatchPrediction computes the projection on demand from live
// tracker state, falling back to the stored values when the tracker
// has no state for the pair (e.g. right after a restart).
func (s *Server) handleBatchPrediction(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.loadBatch(w, r)
	if !ok {
		return
	}

	if snap, tracked := s.tracker.Snapshot(batch.DeviceID, batch.ID); tracked {
		var og float64
		if batch.MeasuredOG != nil {
			og = *batch.MeasuredOG
		}
		if pred, available := s.predictor.Predict(snap, og, time.Now()); available {
			s.writeJSON(w, http.StatusOK, pred)
			return
		}
	}

	if batch.PredictedFG != nil && batch.PredictedEnd != nil && batch.PredConfidence != nil {
		s.writeJSON(w, http.StatusOK, services.Prediction{
			FinalGravity:   *batch.PredictedFG,
			CompletionDate: *batch.PredictedEnd,
			Confidence:     *batch.PredConfidence,
		})
		return
	}

	s.writeError(w, http.StatusNotFound, "prediction not yet available")
}

type overrideRequest struct {
	Actuator string `json:"actuator"` // "heater" or "cooler"
	State    string `json:"state"`    // "on", "off" or "" to clear
}

// handleOverride sets or clears a manual actuator override. The
// control loop applies it on its next tick.
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.loadBatch(w, r)
	if !ok {
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	state := models.OverrideState(req.State)
	if state != models.OverrideNone && state != models.OverrideOn && state != models.OverrideOff {
		s.writeError(w, http.StatusBadRequest, `state must be "on", "off" or ""`)
		return
	}

	var err error
	switch req.Actuator {
	case "heater":
		err = s.store.SetHeaterOverride(r.Context(), batch.ID, state)
	case "cooler":
		err = s.store.SetCoolerOverride(r.Context(), batch.ID, state)
	default:
		s.writeError(w, http.StatusBadRequest, `actuator must be "heater" or "cooler"`)
		return
	}
	if err != nil {
		s.logger.Error("Failed to set override", zap.Int64("batch_id", batch.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	s.logger.Info("Override updated",
		zap.Int64("batch_id", batch.ID),
		zap.String("actuator", req.Actuator),
		zap.String("state", req.State))
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceReadings returns a device's recent readings, linked to a
// batch or not. Pre-fermentation setup monitoring uses this.
func (s *Server) handleDeviceReadings(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	readings, err := s.store.ReadingsForDevice(r.Context(), deviceID, limit)
	if err != nil {
		s.logger.Error("Failed to load device readings",
			zap.String("device_id", deviceID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleListCalibration(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")
	q := models.Quantity(r.URL.Query().Get("quantity"))
	if q == "" {
		q = models.QuantityGravity
	}
	if q != models.QuantityGravity && q != models.QuantityTemperature {
		s.writeError(w, http.StatusBadRequest, "quantity must be gravity or temperature")
		return
	}

	points, err := s.store.CalibrationPoints(r.Context(), deviceID, q)
	if err != nil {
		s.logger.Error("Failed to load calibration points",
			zap.String("device_id", deviceID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	s.writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleAddCalibration(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")

	var point models.CalibrationPoint
	if err := json.NewDecoder(r.Body).Decode(&point); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	point.DeviceID = deviceID
	if point.Quantity != models.QuantityGravity && point.Quantity != models.QuantityTemperature {
		s.writeError(w, http.StatusBadRequest, "quantity must be gravity or temperature")
		return
	}

	if err := s.store.AddCalibrationPoint(r.Context(), &point); err != nil {
		s.logger.Error("Failed to add calibration point",
			zap.String("device_id", deviceID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	s.logger.Info("Calibration point added",
		zap.String("device_id", deviceID),
		zap.String("quantity", string(point.Quantity)),
		zap.Float64("raw", point.Raw),
		zap.Float64("actual", point.Actual))
	s.writeJSON(w, http.StatusCreated, point)
}

// loadBatch resolves the {id} path parameter, writing the error
// response itself when the batch cannot be served.
func (s *Server) loadBatch(w http.ResponseWriter, r *http.Request) (*models.Batch, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid batch id")
		return nil, false
	}

	batch, err := s.store.GetBatch(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to load batch", zap.Int64("batch_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "storage error")
		return nil, false
	}
	if batch == nil || batch.Deleted {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return nil, false
	}
	return batch, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
