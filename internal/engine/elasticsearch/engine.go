package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/megashop/citysearch/internal/domain"
	"github.com/megashop/citysearch/internal/engine"
	"github.com/megashop/citysearch/internal/query"
	apperrors "github.com/megashop/citysearch/pkg/errors"
	"github.com/megashop/citysearch/pkg/httpclient"
	"github.com/megashop/citysearch/pkg/tracing"
)

// upstreamName identifies the search index in upstream errors.
const upstreamName = "elasticsearch"

// bulkBatchSize is the number of documents sent per bulk request during
// a rebuild.
const bulkBatchSize = 500

// Config configures the Elasticsearch engine.
type Config struct {
	Addresses    []string
	Username     string
	Password     string
	IndexPrefix  string
	DisableRetry bool
	Breaker      httpclient.CircuitBreakerConfig
}

// Engine is an Elasticsearch-backed implementation of the SearchEngine interface.
// Every kind is served through an alias pointing at one concrete index.
type Engine struct {
	client *elasticsearch.Client
	prefix string
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// esMsearchResponse is the structure used to decode multi-search responses.
type esMsearchResponse struct {
	Responses []struct {
		Status int `json:"status"`
		Hits   struct {
			Hits []struct {
				ID    string   `json:"_id"`
				Score *float64 `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
		Error *esError `json:"error"`
	} `json:"responses"`
}

// esBulkResponse is the structure used to decode Elasticsearch bulk responses.
type esBulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Index struct {
			ID     string   `json:"_id"`
			Status int      `json:"status"`
			Error  *esError `json:"error"`
		} `json:"index"`
	} `json:"items"`
}

type esError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// esErrorResponse is used to decode Elasticsearch error responses.
type esErrorResponse struct {
	Error  esError `json:"error"`
	Status int     `json:"status"`
}

// New creates a new Elasticsearch engine and makes sure every kind has an
// alias backed by an index.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = DefaultIndexPrefix
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = httpclient.DefaultCircuitBreakerConfig(upstreamName)
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableRetry: cfg.DisableRetry,
		Transport:    httpclient.NewBreakerTransport(nil, cfg.Breaker, logger),
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: failed to create client: %w", err)
	}

	e := &Engine{
		client: client,
		prefix: cfg.IndexPrefix,
		logger: logger,
		tracer: tracing.Tracer("github.com/megashop/citysearch/internal/engine/elasticsearch"),
		now:    time.Now,
	}

	for _, kind := range domain.AllKinds() {
		if err := e.ensureIndex(ctx, kind); err != nil {
			return nil, fmt.Errorf("elasticsearch: failed to ensure index: %w", err)
		}
	}
	return e, nil
}

// Alias returns the alias serving kind.
func (e *Engine) Alias(kind domain.Kind) string {
	return e.prefix + "_" + string(kind)
}

func (e *Engine) concreteName(kind domain.Kind) string {
	return fmt.Sprintf("%s_%d", e.Alias(kind), e.now().UnixNano())
}

// Ping checks whether the Elasticsearch cluster is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return e.transportErr("ping", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: unexpected status %s", res.Status())
	}
	return nil
}

// ensureIndex creates an index behind the kind's alias when the alias is
// missing.
func (e *Engine) ensureIndex(ctx context.Context, kind domain.Kind) error {
	alias := e.Alias(kind)
	res, err := e.client.Indices.ExistsAlias([]string{alias}, e.client.Indices.ExistsAlias.WithContext(ctx))
	if err != nil {
		return e.transportErr("check alias exists", err)
	}
	_ = res.Body.Close()

	// Status 200 means the alias exists.
	if res.StatusCode == http.StatusOK {
		e.logger.Info("elasticsearch alias already exists", "alias", alias)
		return nil
	}

	name := e.concreteName(kind)
	if err := e.createIndex(ctx, kind, name, true); err != nil {
		return err
	}
	e.logger.Info("elasticsearch index created", "index", name, "alias", alias)
	return nil
}

func (e *Engine) createIndex(ctx context.Context, kind domain.Kind, name string, withAlias bool) error {
	body := buildIndexMapping(kind)
	if withAlias {
		body = strings.TrimSuffix(strings.TrimSpace(body), "}") +
			fmt.Sprintf(`,"aliases":{%q:{}}}`, e.Alias(kind))
	}

	res, err := e.client.Indices.Create(
		name,
		e.client.Indices.Create.WithBody(strings.NewReader(body)),
		e.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return e.transportErr("create index", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return responseErr("create index", res)
	}
	return nil
}

// Search runs every sub-query in one multi-search request.
func (e *Engine) Search(ctx context.Context, q *query.IndexQuery) (hits engine.Hits, err error) {
	ctx, span := e.tracer.Start(ctx, "elasticsearch.search",
		trace.WithAttributes(attribute.Int("search.subqueries", len(q.Subqueries))))
	defer func() { tracing.End(span, err) }()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, sq := range q.Subqueries {
		if err := enc.Encode(map[string]interface{}{"index": e.Alias(sq.Kind)}); err != nil {
			return nil, fmt.Errorf("elasticsearch search: encode header: %w", err)
		}
		if err := enc.Encode(renderSubQuery(sq, q.Size)); err != nil {
			return nil, fmt.Errorf("elasticsearch search: encode query: %w", err)
		}
	}

	res, err := e.client.Msearch(
		bytes.NewReader(buf.Bytes()),
		e.client.Msearch.WithContext(ctx),
	)
	if err != nil {
		return nil, e.transportErr("search", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return nil, responseErr("search", res)
	}

	var esResp esMsearchResponse
	if err := json.NewDecoder(res.Body).Decode(&esResp); err != nil {
		return nil, fmt.Errorf("elasticsearch search: decode response: %w", err)
	}
	if len(esResp.Responses) != len(q.Subqueries) {
		return nil, fmt.Errorf("elasticsearch search: got %d responses for %d queries", len(esResp.Responses), len(q.Subqueries))
	}

	hits = make(engine.Hits, len(q.Subqueries))
	for i, r := range esResp.Responses {
		kind := q.Subqueries[i].Kind
		if r.Error != nil {
			err := fmt.Errorf("elasticsearch search %s: %s: %s", kind, r.Error.Type, r.Error.Reason)
			if r.Status >= http.StatusInternalServerError {
				return nil, apperrors.Upstream(upstreamName, err)
			}
			return nil, err
		}
		list := make([]engine.Hit, 0, len(r.Hits.Hits))
		for _, h := range r.Hits.Hits {
			id, err := strconv.ParseInt(h.ID, 10, 64)
			if err != nil {
				e.logger.WarnContext(ctx, "skipping hit with non-numeric id", "kind", kind, "id", h.ID)
				continue
			}
			var score float64
			if h.Score != nil {
				score = *h.Score
			}
			list = append(list, engine.Hit{Kind: kind, ID: id, Score: score})
		}
		hits[kind] = list
	}
	span.SetAttributes(attribute.Int("search.products", len(hits[domain.KindProducts])))
	return hits, nil
}

// Index writes a document through the alias with an external version.
// A version conflict means a newer write already landed and is not an error.
func (e *Engine) Index(ctx context.Context, kind domain.Kind, doc domain.Document, version int64) error {
	data, err := json.Marshal(doc.Body)
	if err != nil {
		return fmt.Errorf("elasticsearch index: marshal document: %w", err)
	}

	res, err := e.client.Index(
		e.Alias(kind),
		bytes.NewReader(data),
		e.client.Index.WithDocumentID(strconv.FormatInt(doc.ID, 10)),
		e.client.Index.WithVersion(int(version)),
		e.client.Index.WithVersionType("external"),
		e.client.Index.WithRefresh("wait_for"),
		e.client.Index.WithContext(ctx),
	)
	if err != nil {
		return e.transportErr("index", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusConflict {
		e.logger.DebugContext(ctx, "stale index write ignored", "kind", kind, "id", doc.ID, "version", version)
		return nil
	}
	if res.IsError() {
		return responseErr("index", res)
	}

	e.logger.DebugContext(ctx, "indexed document", "kind", kind, "id", doc.ID)
	return nil
}

// Delete removes a document by id. Missing documents and stale versions are
// not errors.
func (e *Engine) Delete(ctx context.Context, kind domain.Kind, id int64, version int64) error {
	res, err := e.client.Delete(
		e.Alias(kind),
		strconv.FormatInt(id, 10),
		e.client.Delete.WithVersion(int(version)),
		e.client.Delete.WithVersionType("external"),
		e.client.Delete.WithRefresh("wait_for"),
		e.client.Delete.WithContext(ctx),
	)
	if err != nil {
		return e.transportErr("delete", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() && res.StatusCode != http.StatusNotFound && res.StatusCode != http.StatusConflict {
		return responseErr("delete", res)
	}

	e.logger.DebugContext(ctx, "deleted document", "kind", kind, "id", id)
	return nil
}

// Rebuild fills a fresh index from docs, points the alias at it and drops
// the previous index. On failure the fresh index is removed and the alias
// is left untouched.
func (e *Engine) Rebuild(ctx context.Context, kind domain.Kind, version int64, docs engine.DocumentStream) (n int, err error) {
	ctx, span := e.tracer.Start(ctx, "elasticsearch.rebuild",
		trace.WithAttributes(attribute.String("index.kind", string(kind))))
	defer func() { tracing.End(span, err) }()

	name := e.concreteName(kind)
	if err := e.createIndex(ctx, kind, name, false); err != nil {
		return 0, err
	}

	n, err = e.fill(ctx, name, version, docs)
	if err == nil {
		err = e.refresh(ctx, name)
	}
	if err == nil {
		err = e.swapAlias(ctx, kind, name)
	}
	if err != nil {
		if dropErr := e.dropIndexes(context.WithoutCancel(ctx), []string{name}); dropErr != nil {
			e.logger.WarnContext(ctx, "failed to drop abandoned index", "index", name, "error", dropErr)
		}
		return 0, err
	}

	e.logger.InfoContext(ctx, "index rebuilt", "kind", kind, "index", name, "documents", n)
	return n, nil
}

func (e *Engine) fill(ctx context.Context, name string, version int64, docs engine.DocumentStream) (int, error) {
	var (
		buf     bytes.Buffer
		pending int
		total   int
	)
	enc := json.NewEncoder(&buf)

	flush := func() error {
		if pending == 0 {
			return nil
		}
		if err := e.bulk(ctx, buf.Bytes()); err != nil {
			return err
		}
		total += pending
		pending = 0
		buf.Reset()
		return nil
	}

	err := docs(ctx, func(doc domain.Document) error {
		action := map[string]interface{}{
			"index": map[string]interface{}{
				"_index":       name,
				"_id":          strconv.FormatInt(doc.ID, 10),
				"version":      version,
				"version_type": "external",
			},
		}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("elasticsearch bulk index: encode action: %w", err)
		}
		if err := enc.Encode(doc.Body); err != nil {
			return fmt.Errorf("elasticsearch bulk index: encode document: %w", err)
		}
		pending++
		if pending >= bulkBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return total, nil
}

func (e *Engine) bulk(ctx context.Context, body []byte) error {
	res, err := e.client.Bulk(
		bytes.NewReader(body),
		e.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return e.transportErr("bulk index", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return responseErr("bulk index", res)
	}

	// Parse the bulk response to check for per-item errors.
	var bulkResp esBulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("elasticsearch bulk index: decode response: %w", err)
	}
	if bulkResp.Errors {
		var errMsgs []string
		for _, item := range bulkResp.Items {
			if item.Index.Error != nil {
				errMsgs = append(errMsgs, fmt.Sprintf("id=%s: %s: %s", item.Index.ID, item.Index.Error.Type, item.Index.Error.Reason))
			}
		}
		return fmt.Errorf("elasticsearch bulk index: partial errors: %s", strings.Join(errMsgs, "; "))
	}
	return nil
}

func (e *Engine) refresh(ctx context.Context, name string) error {
	res, err := e.client.Indices.Refresh(
		e.client.Indices.Refresh.WithIndex(name),
		e.client.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return e.transportErr("refresh", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return responseErr("refresh", res)
	}
	return nil
}

// swapAlias atomically moves the kind's alias to name and drops the
// indexes it pointed at before.
func (e *Engine) swapAlias(ctx context.Context, kind domain.Kind, name string) error {
	alias := e.Alias(kind)
	previous, err := e.aliasTargets(ctx, alias)
	if err != nil {
		return err
	}

	actions := make([]interface{}, 0, len(previous)+1)
	for _, old := range previous {
		actions = append(actions, map[string]interface{}{
			"remove": map[string]interface{}{"index": old, "alias": alias},
		})
	}
	actions = append(actions, map[string]interface{}{
		"add": map[string]interface{}{"index": name, "alias": alias},
	})
	data, err := json.Marshal(map[string]interface{}{"actions": actions})
	if err != nil {
		return fmt.Errorf("elasticsearch swap alias: marshal actions: %w", err)
	}

	res, err := e.client.Indices.UpdateAliases(
		bytes.NewReader(data),
		e.client.Indices.UpdateAliases.WithContext(ctx),
	)
	if err != nil {
		return e.transportErr("swap alias", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return responseErr("swap alias", res)
	}

	if len(previous) > 0 {
		if err := e.dropIndexes(ctx, previous); err != nil {
			e.logger.WarnContext(ctx, "failed to drop replaced index", "indexes", previous, "error", err)
		}
	}
	return nil
}

func (e *Engine) aliasTargets(ctx context.Context, alias string) ([]string, error) {
	res, err := e.client.Indices.GetAlias(
		e.client.Indices.GetAlias.WithName(alias),
		e.client.Indices.GetAlias.WithContext(ctx),
	)
	if err != nil {
		return nil, e.transportErr("get alias", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, responseErr("get alias", res)
	}

	var targets map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("elasticsearch get alias: decode response: %w", err)
	}
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	return names, nil
}

// dropIndexes removes concrete indexes. A 404 response is treated as success.
func (e *Engine) dropIndexes(ctx context.Context, names []string) error {
	res, err := e.client.Indices.Delete(
		names,
		e.client.Indices.Delete.WithContext(ctx),
	)
	if err != nil {
		return e.transportErr("delete index", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseErr("delete index", res)
	}
	return nil
}

// transportErr classifies a client error. Unreachable clusters and an open
// breaker surface as upstream errors.
func (e *Engine) transportErr(op string, err error) error {
	if httpclient.IsUnavailable(err) {
		e.logger.Error("elasticsearch unavailable", "op", op, "error", err)
		return apperrors.Upstream(upstreamName, fmt.Errorf("elasticsearch %s: %w", op, err))
	}
	return fmt.Errorf("elasticsearch %s: %w", op, err)
}

// responseErr decodes an error response. 5xx statuses surface as upstream
// errors.
func responseErr(op string, res *esapi.Response) error {
	var err error
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	var errResp esErrorResponse
	if decErr := json.Unmarshal(body, &errResp); decErr == nil && errResp.Error.Type != "" {
		err = fmt.Errorf("elasticsearch %s: %s: %s", op, errResp.Error.Type, errResp.Error.Reason)
	} else {
		err = fmt.Errorf("elasticsearch %s: unexpected status %s", op, res.Status())
	}
	if res.StatusCode >= http.StatusInternalServerError {
		return apperrors.Upstream(upstreamName, err)
	}
	return err
}

// IsUpstream reports whether err means the cluster could not serve the
// request.
func IsUpstream(err error) bool {
	appErr, ok := apperrors.As(err)
	return ok && appErr.Upstream == upstreamName || errors.Is(err, httpclient.ErrCircuitOpen)
}
