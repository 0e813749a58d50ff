package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/megashop/citysearch/internal/cache"
	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/gate"
	"github.com/megashop/citysearch/pkg/httputil"
)

// responder serves GET responses through the result cache. A nil cache
// computes every response.
type responder struct {
	cache  *cache.ResultCache
	logger *slog.Logger
}

// serve writes the response built by build. Client errors are rendered into
// the cached response; server errors are written but never cached.
func (rs *responder) serve(
	w http.ResponseWriter,
	r *http.Request,
	scope string,
	kinds []domain.Kind,
	ttl time.Duration,
	build func(ctx context.Context) (any, error),
) {
	compute := func(ctx context.Context) (cache.Response, error) {
		v, err := build(ctx)
		if err != nil {
			appErr, body := httputil.ErrorPayload(err)
			if appErr.Status >= http.StatusInternalServerError {
				return cache.Response{}, err
			}
			return encode(appErr.Status, body)
		}
		return encode(http.StatusOK, v)
	}

	var (
		resp cache.Response
		err  error
	)
	if rs.cache == nil {
		resp, err = compute(r.Context())
	} else {
		fingerprint := cache.Fingerprint(r.URL.Path, gate.City(r.Context()), r.URL.Query())
		resp, err = rs.cache.Fetch(r.Context(), scope, fingerprint, kinds, ttl, compute)
	}
	if err != nil {
		httputil.WriteError(w, r, err, rs.logger)
		return
	}
	httputil.WriteRaw(w, resp.Status, resp.Body)
}

func encode(status int, v any) (cache.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return cache.Response{}, fmt.Errorf("encode response: %w", err)
	}
	return cache.Response{Status: status, Body: body}, nil
}
