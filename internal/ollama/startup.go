package ollama

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that Ollama is running and the embedding model is
// available, pulling it when missing with progress written to w. It then
// embeds a sample string and returns the model's vector dimension.
func EnsureReady(ctx context.Context, c *Client, embedModel string, w io.Writer) (int, error) {
	if !c.IsRunning(ctx) {
		return 0, fmt.Errorf("ollama is not reachable at %s; start it with: ollama serve", c.BaseURL())
	}

	if c.HasModel(ctx, embedModel) {
		fmt.Fprintf(w, "model %s: ready\n", embedModel)
	} else {
		fmt.Fprintf(w, "model %s: pulling...\n", embedModel)
		err := c.PullModel(ctx, embedModel, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return 0, fmt.Errorf("pulling model %s: %w", embedModel, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", embedModel)
	}

	vec, err := c.Embed(ctx, embedModel, "ping")
	if err != nil {
		return 0, fmt.Errorf("probing model %s: %w", embedModel, err)
	}
	return len(vec), nil
}
