package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// PostgREST writes records through a PostgREST endpoint such as Supabase
type PostgREST struct {
	baseURL    string
	serviceKey string
	table      string
	httpClient *http.Client
}

type PostgRESTOption func(*PostgREST)

func WithPostgRESTHTTPClient(client *http.Client) PostgRESTOption {
	return func(p *PostgREST) {
		p.httpClient = client
	}
}

func NewPostgREST(baseURL, serviceKey, table string, opts ...PostgRESTOption) (*PostgREST, error) {
	if baseURL == "" {
		return nil, goerr.Wrap(model.ErrInvalidConfig, "postgrest url is required")
	}
	if serviceKey == "" {
		return nil, goerr.Wrap(model.ErrInvalidConfig, "postgrest service key is required")
	}
	if table == "" {
		table = DefaultTable
	}

	p := &PostgREST{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		table:      table,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *PostgREST) Name() string { return "postgrest" }

func (p *PostgREST) endpoint(query url.Values) string {
	u := p.baseURL + "/rest/v1/" + url.PathEscape(p.table)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (p *PostgREST) UpsertMetrics(ctx context.Context, records []*model.MetricRecord) error {
	records = prepare(records)
	if len(records) == 0 {
		return nil
	}

	body, err := json.Marshal(records)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal records")
	}

	u := p.endpoint(url.Values{"on_conflict": {"conversation_id"}})
	_, err = p.do(ctx, http.MethodPost, u, body, "resolution=merge-duplicates,return=minimal")
	if err != nil {
		return goerr.Wrap(err, "failed to upsert metrics", goerr.V("table", p.table), goerr.V("count", len(records)))
	}
	return nil
}

func (p *PostgREST) ListConversationIDs(ctx context.Context, limit int) ([]model.ConversationID, error) {
	q := url.Values{
		"select": {"conversation_id"},
		"order":  {"metric_date.desc,conversation_id.asc"},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	data, err := p.do(ctx, http.MethodGet, p.endpoint(q), nil, "")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list conversation ids", goerr.V("table", p.table))
	}

	var rows []struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, goerr.Wrap(err, "failed to decode conversation ids")
	}

	ids := make([]model.ConversationID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, model.ConversationID(r.ConversationID))
	}
	return ids, nil
}

func (p *PostgREST) PatchMetric(ctx context.Context, id model.ConversationID, patch Patch) error {
	r := &model.MetricRecord{ConversationID: id}
	r.ApplyClassification(patch.Classification)

	update := map[string]any{
		"tags":                  r.Tags,
		"workspace":             r.Workspace,
		"is_escalation_queue":   r.IsEscalationQueue,
		"escalation_queue_kind": r.EscalationQueueKind,
	}
	if patch.MetricDate != nil {
		update["metric_date"] = patch.MetricDate.String()
	}
	body, err := json.Marshal(update)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal patch")
	}

	u := p.endpoint(url.Values{"conversation_id": {"eq." + string(id)}})
	data, err := p.do(ctx, http.MethodPatch, u, body, "return=representation")
	if err != nil {
		return goerr.Wrap(err, "failed to patch metric", goerr.V("conversation_id", id))
	}

	var updated []json.RawMessage
	if err := json.Unmarshal(data, &updated); err == nil && len(updated) == 0 {
		return goerr.Wrap(model.ErrNotFound, "record not stored", goerr.V("conversation_id", id))
	}
	return nil
}

func (p *PostgREST) do(ctx context.Context, method, u string, body []byte, prefer string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request")
	}

	req.Header.Set("apikey", p.serviceKey)
	req.Header.Set("Authorization", "Bearer "+p.serviceKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to send request", goerr.V("method", method))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read response body")
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return data, nil
	default:
		if len(data) > 1024 {
			data = data[:1024]
		}
		return nil, goerr.New("postgrest returned error",
			goerr.V("status", resp.StatusCode),
			goerr.V("body", string(data)))
	}
}
