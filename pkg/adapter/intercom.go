package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultIntercomBaseURL = "https://api.intercom.io"
	DefaultIntercomVersion = "2.14"
	DefaultIntercomAppID   = "b37vb7kt"

	// error bodies are truncated to this length before being attached to errors
	maxErrorBody = 1024

	adminsPerPage = 50
	maxAdminPages = 200
)

// ExportRequest is the body of an export enqueue call
type ExportRequest struct {
	DatasetID    string   `json:"dataset_id"`
	AttributeIDs []string `json:"attribute_ids"`
	StartTime    int64    `json:"start_time"`
	EndTime      int64    `json:"end_time"`
}

// ExportStatus is the state of an export job as reported by Intercom
type ExportStatus struct {
	JobID       string
	Status      string
	DownloadURL string
	Payload     map[string]any
}

// Intercom is the subset of the Intercom REST API used by the sync pipeline
type Intercom interface {
	// EnqueueExport starts a reporting data export job
	EnqueueExport(ctx context.Context, req ExportRequest) (*ExportStatus, error)

	// GetExportStatus polls an export job once
	GetExportStatus(ctx context.Context, jobID string) (*ExportStatus, error)

	// Fetch downloads a job result by its reference, optionally with the bearer credential
	Fetch(ctx context.Context, ref string, withAuth bool) ([]byte, error)

	// DownloadExport downloads a job result from the dedicated download endpoint
	DownloadExport(ctx context.Context, jobID string) ([]byte, error)

	// ListAdmins returns the agent directory. On failure the pages fetched so far are returned with the error.
	ListAdmins(ctx context.Context) (model.Directory, error)

	// GetConversation fetches one conversation including its tags
	GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error)
}

type intercomClient struct {
	token      string
	baseURL    string
	version    string
	appID      string
	httpClient *http.Client
}

// IntercomOption is a functional option for Intercom client
type IntercomOption func(*intercomClient)

func WithIntercomBaseURL(u string) IntercomOption {
	return func(c *intercomClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

func WithIntercomVersion(v string) IntercomOption {
	return func(c *intercomClient) {
		c.version = v
	}
}

func WithIntercomAppID(id string) IntercomOption {
	return func(c *intercomClient) {
		c.appID = id
	}
}

func WithIntercomHTTPClient(client *http.Client) IntercomOption {
	return func(c *intercomClient) {
		c.httpClient = client
	}
}

// NewIntercom creates a new Intercom API client
func NewIntercom(token string, opts ...IntercomOption) (Intercom, error) {
	if token == "" {
		return nil, goerr.Wrap(model.ErrInvalidConfig, "intercom token is required")
	}

	c := &intercomClient{
		token:   token,
		baseURL: DefaultIntercomBaseURL,
		version: DefaultIntercomVersion,
		appID:   DefaultIntercomAppID,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *intercomClient) EnqueueExport(ctx context.Context, req ExportRequest) (*ExportStatus, error) {
	if req.AttributeIDs == nil {
		req.AttributeIDs = []string{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal export request")
	}

	var payload map[string]any
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/export/reporting_data/enqueue", body, &payload); err != nil {
		return nil, goerr.Wrap(err, "failed to enqueue export", goerr.V("dataset_id", req.DatasetID))
	}

	status := parseExportStatus(payload)
	if status.JobID == "" {
		return nil, goerr.New("enqueue response has no job identifier", goerr.V("payload", payload))
	}
	return status, nil
}

func (c *intercomClient) GetExportStatus(ctx context.Context, jobID string) (*ExportStatus, error) {
	u := c.baseURL + "/export/reporting_data/" + url.PathEscape(jobID)
	if c.appID != "" {
		u += "?" + url.Values{"app_id": {c.appID}}.Encode()
	}

	var payload map[string]any
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &payload); err != nil {
		return nil, goerr.Wrap(err, "failed to get export status", goerr.V("job_id", jobID))
	}

	status := parseExportStatus(payload)
	if status.JobID == "" {
		status.JobID = jobID
	}
	return status, nil
}

func (c *intercomClient) Fetch(ctx context.Context, ref string, withAuth bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request", goerr.V("url", ref))
	}
	if withAuth {
		c.setHeaders(req)
		req.Header.Set("Accept", "*/*")
	}
	return c.do(req)
}

func (c *intercomClient) DownloadExport(ctx context.Context, jobID string) ([]byte, error) {
	q := url.Values{"job_identifier": {jobID}}
	if c.appID != "" {
		q.Set("app_id", c.appID)
	}
	u := c.baseURL + "/download/reporting_data/" + url.PathEscape(jobID) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request", goerr.V("url", u))
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/octet-stream")

	return c.do(req)
}

type adminRecord struct {
	ID      json.RawMessage `json:"id"`
	AdminID json.RawMessage `json:"admin_id"`
	Name    string          `json:"name"`
	Email   string          `json:"email"`
}

type adminPage struct {
	Admins []adminRecord `json:"admins"`
	Data   []adminRecord `json:"data"`
	Pages  struct {
		Next json.RawMessage `json:"next"`
	} `json:"pages"`
}

func (c *intercomClient) ListAdmins(ctx context.Context) (model.Directory, error) {
	dir := model.Directory{}
	next := c.baseURL + "/admins?" + url.Values{"per_page": {fmt.Sprint(adminsPerPage)}}.Encode()
	seen := map[string]bool{}

	for page := 0; next != "" && page < maxAdminPages; page++ {
		if seen[next] {
			break
		}
		seen[next] = true

		var resp adminPage
		if err := c.doJSON(ctx, http.MethodGet, next, nil, &resp); err != nil {
			return dir, goerr.Wrap(err, "failed to list admins", goerr.V("page", page), goerr.V("fetched", len(dir)))
		}

		for _, records := range [][]adminRecord{resp.Admins, resp.Data} {
			for _, r := range records {
				id := rawID(r.ID)
				if id == "" {
					id = rawID(r.AdminID)
				}
				name := strings.TrimSpace(r.Name)
				if name == "" {
					name = strings.TrimSpace(r.Email)
				}
				if id != "" && name != "" {
					dir[id] = name
				}
			}
		}

		next = c.nextAdminPage(resp.Pages.Next)
	}

	return dir, nil
}

// nextAdminPage accepts both pagination shapes: a URL string or an object
// carrying a starting_after cursor.
func (c *intercomClient) nextAdminPage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return ""
		}
		if strings.HasPrefix(s, "/") {
			return c.baseURL + s
		}
		return s
	}

	var cursor struct {
		StartingAfter string `json:"starting_after"`
	}
	if err := json.Unmarshal(raw, &cursor); err == nil && cursor.StartingAfter != "" {
		return c.baseURL + "/admins?" + url.Values{
			"per_page":       {fmt.Sprint(adminsPerPage)},
			"starting_after": {cursor.StartingAfter},
		}.Encode()
	}
	return ""
}

type conversationResponse struct {
	CreatedAt int64  `json:"created_at"`
	State     string `json:"state"`
	Tags      struct {
		Tags []struct {
			Name string `json:"name"`
		} `json:"tags"`
	} `json:"tags"`
}

func (c *intercomClient) GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	u := c.baseURL + "/conversations/" + url.PathEscape(string(id))

	var resp conversationResponse
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, goerr.Wrap(err, "failed to get conversation", goerr.V("conversation_id", id))
	}

	conv := &model.Conversation{
		ID:        id,
		CreatedAt: resp.CreatedAt,
		State:     resp.State,
		Tags:      make([]string, 0, len(resp.Tags.Tags)),
	}
	for _, t := range resp.Tags.Tags {
		if name := strings.TrimSpace(t.Name); name != "" {
			conv.Tags = append(conv.Tags, name)
		}
	}
	return conv, nil
}

func (c *intercomClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Intercom-Version", c.version)
	req.Header.Set("Accept", "application/json")
}

func (c *intercomClient) doJSON(ctx context.Context, method, u string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return goerr.Wrap(err, "failed to create request", goerr.V("url", u))
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	data, err := c.do(req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return goerr.Wrap(err, "failed to decode response", goerr.V("url", u))
	}
	return nil
}

// do sends req and maps transport failures and status codes onto the
// model error sentinels.
func (c *intercomClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, goerr.Wrap(ctxErr, "request canceled", goerr.V("url", redactURL(req.URL)))
		}
		return nil, goerr.Wrap(model.ErrTransient, "failed to send request",
			goerr.V("url", redactURL(req.URL)),
			goerr.V("cause", err.Error()))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, goerr.Wrap(model.ErrTransient, "failed to read response body",
			goerr.V("url", redactURL(req.URL)),
			goerr.V("cause", err.Error()))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError(resp.StatusCode, redactURL(req.URL), data)
	}
	return data, nil
}

// StatusError converts a non-2xx response into an error wrapping the
// matching model sentinel.
func StatusError(status int, u string, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	values := []goerr.Option{
		goerr.V("status", status),
		goerr.V("url", u),
		goerr.V("body", string(body)),
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return goerr.Wrap(model.ErrAuth, "request was not authorized", values...)
	case status == http.StatusNotFound:
		return goerr.Wrap(model.ErrNotFound, "resource not found", values...)
	case status == http.StatusTooManyRequests || status >= 500:
		return goerr.Wrap(model.ErrTransient, "server returned retryable status", values...)
	default:
		return goerr.Wrap(model.ErrHTTPStatus, "server returned error status", values...)
	}
}

// redactURL drops the query string, which may carry presigned credentials
func redactURL(u *url.URL) string {
	cp := *u
	cp.RawQuery = ""
	return cp.String()
}

func parseExportStatus(payload map[string]any) *ExportStatus {
	return &ExportStatus{
		JobID:       firstString(payload, "job_identifier", "id", "jobId"),
		Status:      firstString(payload, "status", "state"),
		DownloadURL: firstString(payload, "download_url"),
		Payload:     payload,
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch tv := v.(type) {
		case string:
			s = tv
		case float64:
			s = fmt.Sprintf("%.0f", tv)
		default:
			s = fmt.Sprint(tv)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
