package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// WaitForRender polls renderID every interval, at most maxAttempts times.
// Poll transport errors count as a pending attempt.
func WaitForRender(ctx context.Context, r Renderer, renderID string, interval time.Duration, maxAttempts int, logger *slog.Logger) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		status, err := r.Poll(ctx, renderID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			logger.Warn("render poll failed", "render_id", renderID, "attempt", attempt, "error", err)
			continue
		}

		switch status.State {
		case RenderDone:
			if status.ResultURL == "" {
				return "", fmt.Errorf("%w: render %s finished without a result url", ErrRenderFailure, renderID)
			}
			return status.ResultURL, nil
		case RenderError:
			return "", fmt.Errorf("%w: %s", ErrRenderFailure, status.Error)
		}
		logger.Debug("render pending", "render_id", renderID, "attempt", attempt)
	}
	return "", fmt.Errorf("%w: render %s not done after %d polls", ErrRenderTimeout, renderID, maxAttempts)
}
