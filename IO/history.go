package IO

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/CTCycle/XRAYREP-report-generator/captioner"
)

// WriteHistoryCSV dumps one row per epoch.
func WriteHistoryCSV(path string, h captioner.History) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{"epoch", "loss", "accuracy", "val_loss", "val_accuracy", "lr", "seconds"})
	g := func(v float64) string { return strconv.FormatFloat(v, 'g', 8, 64) }
	for _, e := range h.Epochs {
		_ = w.Write([]string{
			strconv.Itoa(e.Epoch), g(e.Loss), g(e.Accuracy), g(e.ValLoss), g(e.ValAccuracy), g(e.LR),
			g(e.Duration.Seconds()),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
