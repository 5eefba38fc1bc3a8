package platform

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

	"github.com/rs/zerolog"
)

// Client talks to the workflow backend's REST surface: configuration and
// workflow validation plus workflow-run creation. Media negotiation lives in
// the signaling package.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, tokens TokenSource, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:  tokens,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// ValidationIssue is one item from the backend's structured error body.
// User-configuration issues are keyed by model (tts, stt, llm); workflow
// issues are keyed by kind.
type ValidationIssue struct {
	Model   string `json:"model,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Label returns the issue key, preferring the model discriminant.
func (i ValidationIssue) Label() string {
	if i.Model != "" {
		return i.Model
	}
	return i.Kind
}

func (i ValidationIssue) String() string {
	if label := i.Label(); label != "" {
		return label + ": " + i.Message
	}
	return i.Message
}

// ValidationError is a rejected validation call. It is fatal to the current
// call attempt; the user must fix configuration before retrying.
type ValidationError struct {
	Scope  string
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return strings.Join(parts, "; ")
}

type errorDetail struct {
	Detail struct {
		Errors []ValidationIssue `json:"errors"`
	} `json:"detail"`
}

// ValidateUserConfig checks the user's upstream API-key configuration.
// Returns nil when valid, a *ValidationError on structured rejection.
func (c *Client) ValidateUserConfig(ctx context.Context) error {
	return c.validate(ctx, http.MethodGet, "/api/v1/configuration/validate", "configuration")
}

// ValidateWorkflow checks that the target workflow is runnable.
func (c *Client) ValidateWorkflow(ctx context.Context, workflowID string) error {
	path := "/api/v1/workflows/" + url.PathEscape(workflowID) + "/validate"
	return c.validate(ctx, http.MethodPost, path, "workflow")
}

func (c *Client) validate(ctx context.Context, method, path, scope string) error {
	res, err := c.do(ctx, method, path, nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	var detail errorDetail
	if err := json.Unmarshal(body, &detail); err == nil && len(detail.Detail.Errors) > 0 {
		return &ValidationError{Scope: scope, Issues: detail.Detail.Errors}
	}
	return fmt.Errorf("%s validation: status %d: %s", scope, res.StatusCode, strings.TrimSpace(string(body)))
}

type workflowRun struct {
	ID string `json:"id"`
}

// CreateWorkflowRun starts a new run of the workflow and returns its id.
func (c *Client) CreateWorkflowRun(ctx context.Context, workflowID string) (string, error) {
	path := "/api/v1/workflows/" + url.PathEscape(workflowID) + "/runs"
	res, err := c.do(ctx, http.MethodPost, path, map[string]any{})
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("create workflow run: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var run workflowRun
	if err := json.NewDecoder(res.Body).Decode(&run); err != nil {
		return "", fmt.Errorf("decode workflow run: %w", err)
	}
	if run.ID == "" {
		return "", fmt.Errorf("create workflow run: empty run id")
	}
	return run.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return res, nil
}
