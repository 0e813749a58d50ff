package indexer

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	apperrors "github.com/megashop/citysearch/pkg/errors"
)

// backoff returns the wait before retry number attempt (1-based): base
// doubled per attempt, with up to 50% random jitter added.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d <= 0 {
		return base
	}
	return d + rand.N(d/2+1)
}

// retryable reports whether err may succeed when tried again. Client side
// failures such as a rejected document are permanent.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return apperrors.HTTPStatus(err) >= http.StatusInternalServerError
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
