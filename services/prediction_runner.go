package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"krausen/config"
	"krausen/store"
)

// PredictionService periodically projects every tracked fermentation
// forward and writes the estimates back to the batch record, where the
// CRUD layer and UI pick them up.
type PredictionService struct {
	config    *config.Config
	store     *store.Store
	tracker   *Tracker
	predictor *Predictor
	logger    *zap.Logger
}

// NewPredictionService creates the runner.
func NewPredictionService(cfg *config.Config, st *store.Store, tracker *Tracker, logger *zap.Logger) *PredictionService {
	return &PredictionService{
		config:    cfg,
		store:     st,
		tracker:   tracker,
		predictor: NewPredictor(cfg),
		logger:    logger,
	}
}

// Run refreshes predictions until ctx is cancelled.
func (ps *PredictionService) Run(ctx context.Context) {
	ticker := time.NewTicker(ps.config.PredictionInterval)
	defer ticker.Stop()

	ps.logger.Info("Prediction runner started",
		zap.Duration("interval", ps.config.PredictionInterval))

	for {
		select {
		case <-ctx.Done():
			ps.logger.Info("Prediction runner stopped")
			return
		case <-ticker.C:
			ps.refresh(ctx)
		}
	}
}

// refresh recomputes the prediction for every tracked pair. Pairs
// below the availability thresholds are skipped; their stored
// prediction keeps its last value rather than flapping to null.
func (ps *PredictionService) refresh(ctx context.Context) {
	now := time.Now()
	for _, snap := range ps.tracker.Snapshots() {
		batch, err := ps.store.GetBatch(ctx, snap.BatchID)
		if err != nil {
			ps.logger.Error("Failed to load batch for prediction",
				zap.Int64("batch_id", snap.BatchID),
				zap.Error(err))
			continue
		}
		if batch == nil || !batch.Status.Active() {
			continue
		}

		var og float64
		if batch.MeasuredOG != nil {
			og = *batch.MeasuredOG
		}

		pred, ok := ps.predictor.Predict(snap, og, now)
		if !ok {
			ps.logger.Debug("Prediction unavailable",
				zap.String("device_id", snap.DeviceID),
				zap.Int64("batch_id", snap.BatchID),
				zap.Int("samples", snap.Samples),
				zap.Float64("confidence", snap.SGConfidence))
			continue
		}

		err = ps.store.UpdateBatchPrediction(ctx, snap.BatchID,
			pred.FinalGravity, pred.CompletionDate, pred.Confidence)
		if err != nil {
			ps.logger.Error("Failed to store prediction",
				zap.Int64("batch_id", snap.BatchID),
				zap.Error(err))
			continue
		}

		ps.logger.Debug("Prediction updated",
			zap.Int64("batch_id", snap.BatchID),
			zap.Float64("predicted_fg", pred.FinalGravity),
			zap.Time("predicted_end", pred.CompletionDate),
			zap.Float64("confidence", pred.Confidence))
	}
}
