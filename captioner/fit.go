package captioner

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Dataset yields batches for one epoch at a time.
type Dataset interface {
	Len() int // batches per epoch
	Batch(i int) (Batch, error)
	OnEpochEnd()
}

// EpochLog is one row of the training history.
type EpochLog struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
	LR          float64
	Duration    time.Duration
}

type History struct {
	Epochs []EpochLog
}

// Callback runs after every epoch. A non-nil error stops training.
type Callback func(m *Model, log EpochLog) error

// Fit trains for the given number of epochs. val may be nil. Metrics are
// reset at the start of every epoch and before validation.
func (m *Model) Fit(ctx context.Context, train, val Dataset, epochs int, callbacks ...Callback) (History, error) {
	var h History
	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()
		log := EpochLog{Epoch: epoch}

		m.ResetMetrics()
		for i := 0; i < train.Len(); i++ {
			if err := ctx.Err(); err != nil {
				return h, err
			}
			b, err := train.Batch(i)
			if err != nil {
				return h, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
			}
			res, err := m.TrainStep(b)
			if err != nil {
				return h, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
			}
			log.LR = res.LR
		}
		train.OnEpochEnd()
		log.Loss, log.Accuracy = m.Metrics()

		if val != nil {
			m.ResetMetrics()
			for i := 0; i < val.Len(); i++ {
				if err := ctx.Err(); err != nil {
					return h, err
				}
				b, err := val.Batch(i)
				if err != nil {
					return h, fmt.Errorf("epoch %d validation batch %d: %w", epoch, i, err)
				}
				if _, err := m.EvalStep(b); err != nil {
					return h, fmt.Errorf("epoch %d validation batch %d: %w", epoch, i, err)
				}
			}
			log.ValLoss, log.ValAccuracy = m.Metrics()
		}
		log.Duration = time.Since(start)
		h.Epochs = append(h.Epochs, log)

		slog.Info("epoch done", "epoch", epoch, "loss", log.Loss, "accuracy", log.Accuracy,
			"val_loss", log.ValLoss, "val_accuracy", log.ValAccuracy, "lr", log.LR, "elapsed", log.Duration.Round(time.Millisecond))

		for _, cb := range callbacks {
			if err := cb(m, log); err != nil {
				return h, err
			}
		}
	}
	return h, nil
}

// SaveEvery returns a callback that checkpoints into dir every n epochs.
func SaveEvery(dir string, n int, opts SaveOptions) Callback {
	return func(m *Model, log EpochLog) error {
		if n <= 0 || log.Epoch%n != 0 {
			return nil
		}
		slog.Info("saving checkpoint", "dir", dir, "epoch", log.Epoch)
		return m.Save(dir, opts)
	}
}
