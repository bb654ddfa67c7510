package processor

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that the Backend is reachable and the given models are
// loaded. Missing models are loaded with progress output written to w.
func EnsureReady(ctx context.Context, b Backend, w io.Writer, models ...string) error {
	if !b.IsRunning(ctx) {
		return fmt.Errorf("model worker is not running; check processor.command")
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		if b.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: loading...\n", model)
		err := b.LoadModel(ctx, model, func(p LoadProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("loading model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	return nil
}
