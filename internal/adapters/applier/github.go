package applier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/pkg/logger"
	"github.com/okian/buma/pkg/metrics"
)

const (
	defaultBaseURL   = "https://api.github.com"
	apiVersion       = "2022-11-28"
	commentsPerPage  = 100
	maxCommentPages  = 10
	maxResponseBytes = 1 << 20
)

// APIError is a non-2xx response from the GitHub REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// GitHub applies decisions through the GitHub REST API with a token.
type GitHub struct {
	baseURL   string
	token     string
	userAgent string
	http      *http.Client
	log       logger.Logger
}

// NewGitHub creates an applier authenticated with token.
func NewGitHub(token string, opts ...Option) (*GitHub, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	g := &GitHub{
		baseURL:   defaultBaseURL,
		token:     token,
		userAgent: "buma-triage",
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       logger.Named("applier"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Apply adds labels, adds the assignee and posts the explanation comment
// unless a comment with the decision marker already exists.
func (g *GitHub) Apply(ctx context.Context, req model.ApplyRequest) error {
	owner, repo, ok := strings.Cut(req.RepoFullName, "/")
	if !ok || owner == "" || repo == "" {
		return fmt.Errorf("%w: invalid repository %q", model.ErrApplyPermanent, req.RepoFullName)
	}
	issuePath := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, req.IssueNumber)

	if len(req.Labels) > 0 {
		body := map[string][]string{"labels": req.Labels}
		if err := g.do(ctx, "labels", http.MethodPost, issuePath+"/labels", body, nil); err != nil {
			return err
		}
	}

	if req.Assignee != "" {
		body := map[string][]string{"assignees": {req.Assignee}}
		if err := g.do(ctx, "assignees", http.MethodPost, issuePath+"/assignees", body, nil); err != nil {
			return err
		}
	}

	if req.Comment == "" {
		return nil
	}
	marker := Marker(req.IssueID, req.Action)
	found, err := g.hasComment(ctx, issuePath, marker)
	if err != nil {
		return err
	}
	if found {
		g.log.Debug(ctx, "explanation comment already present", logger.String("issue_id", req.IssueID))
		return nil
	}
	body := map[string]string{"body": WithMarker(req.Comment, req.IssueID, req.Action)}
	return g.do(ctx, "comment", http.MethodPost, issuePath+"/comments", body, nil)
}

type comment struct {
	Body string `json:"body"`
}

func (g *GitHub) hasComment(ctx context.Context, issuePath, marker string) (bool, error) {
	for page := 1; page <= maxCommentPages; page++ {
		var comments []comment
		path := issuePath + "/comments?per_page=" + strconv.Itoa(commentsPerPage) + "&page=" + strconv.Itoa(page)
		if err := g.do(ctx, "list_comments", http.MethodGet, path, nil, &comments); err != nil {
			return false, err
		}
		for _, c := range comments {
			if strings.Contains(c.Body, marker) {
				return true, nil
			}
		}
		if len(comments) < commentsPerPage {
			return false, nil
		}
	}
	return false, nil
}

func (g *GitHub) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", model.ErrApplyPermanent, op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", model.ErrApplyPermanent, op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", g.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		metrics.RecordApplierRequest(op, "error")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		return fmt.Errorf("%w: %s: %v", model.ErrApply, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.RecordApplierRequest(op, "error")
		return fmt.Errorf("%w: read %s response: %v", model.ErrApply, op, err)
	}
	metrics.RecordApplierRequest(op, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		if permanent(resp.StatusCode, apiErr.Message, resp.Header) {
			return fmt.Errorf("%w: %s: %w", model.ErrApplyPermanent, op, apiErr)
		}
		return fmt.Errorf("%w: %s: %w", model.ErrApply, op, apiErr)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode %s response: %v", model.ErrApply, op, err)
		}
	}
	return nil
}

// permanent reports whether a status will fail again on retry. Rate limits
// surface as 403 or 429 and are transient.
func permanent(status int, message string, h http.Header) bool {
	switch status {
	case http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity, http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		return !rateLimited(message, h)
	default:
		return false
	}
}

func rateLimited(message string, h http.Header) bool {
	if h.Get("X-RateLimit-Remaining") == "0" || h.Get("Retry-After") != "" {
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection")
}

func errorMessage(raw []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(raw))
}

// IsAPIStatus reports whether err carries a GitHub response with status.
func IsAPIStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
