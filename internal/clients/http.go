package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/opsforge/rebuildd/internal/domain"
)

// httpClient is the shared plumbing of the JSON service clients. Transient
// faults (connection errors, 5xx) surface as domain.ErrTransient so the
// retry policy can tell them apart from genuine lookup misses.
type httpClient struct {
	baseURL string
	client  *http.Client
	policy  RetryPolicy
}

func newHTTPClient(baseURL string, policy RetryPolicy) httpClient {
	return httpClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		policy:  policy,
	}
}

func (c httpClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path
	return c.policy.Retry(op, func() error {
		var reqBody *bytes.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reqBody = bytes.NewReader(raw)
		} else {
			reqBody = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrTransient, op, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", domain.ErrLookup, op)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s: status %d", domain.ErrTransient, op, resp.StatusCode)
		case resp.StatusCode >= 400:
			return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
		}

		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// HTTPMetadataClient talks to the image metadata service.
type HTTPMetadataClient struct {
	httpClient
}

func NewHTTPMetadataClient(baseURL string, policy RetryPolicy) *HTTPMetadataClient {
	return &HTTPMetadataClient{newHTTPClient(baseURL, policy)}
}

func (c *HTTPMetadataClient) FindRepositories(ctx context.Context, filter RepositoryFilter) ([]domain.Repository, error) {
	var out []domain.Repository
	if err := c.doJSON(ctx, http.MethodPost, "/v1/repositories/search", filter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPMetadataClient) FindImages(ctx context.Context, filter ImageFilter) ([]*domain.Image, error) {
	var out []*domain.Image
	if err := c.doJSON(ctx, http.MethodPost, "/v1/images/search", filter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HTTPBuildSystem talks to the container build service.
type HTTPBuildSystem struct {
	httpClient
}

func NewHTTPBuildSystem(baseURL string, policy RetryPolicy) *HTTPBuildSystem {
	return &HTTPBuildSystem{newHTTPClient(baseURL, policy)}
}

func (c *HTTPBuildSystem) SubmitBuild(ctx context.Context, req BuildRequest) (int64, error) {
	var out struct {
		TaskID int64 `json:"task_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/builds", req, &out); err != nil {
		return 0, err
	}
	return out.TaskID, nil
}

func (c *HTTPBuildSystem) GetBuildState(ctx context.Context, taskID int64) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	path := "/v1/builds/" + strconv.FormatInt(taskID, 10)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

func (c *HTTPBuildSystem) CancelBuild(ctx context.Context, taskID int64) (bool, error) {
	var out struct {
		Canceled bool `json:"canceled"`
	}
	path := "/v1/builds/" + strconv.FormatInt(taskID, 10) + "/cancel"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return false, err
	}
	return out.Canceled, nil
}

// HTTPComposeService talks to the compose generator.
type HTTPComposeService struct {
	httpClient
}

func NewHTTPComposeService(baseURL string, policy RetryPolicy) *HTTPComposeService {
	return &HTTPComposeService{newHTTPClient(baseURL, policy)}
}

func (c *HTTPComposeService) RequestCompose(ctx context.Context, spec ComposeSpec) (int64, string, error) {
	var out struct {
		ID    int64  `json:"id"`
		State string `json:"state"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/composes", spec, &out); err != nil {
		return 0, "", err
	}
	return out.ID, out.State, nil
}

func (c *HTTPComposeService) GetComposeState(ctx context.Context, composeID int64) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	path := "/v1/composes/" + strconv.FormatInt(composeID, 10)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

// HTTPAdvisoryTracker talks to the advisory tracker.
type HTTPAdvisoryTracker struct {
	httpClient
}

func NewHTTPAdvisoryTracker(baseURL string, policy RetryPolicy) *HTTPAdvisoryTracker {
	return &HTTPAdvisoryTracker{newHTTPClient(baseURL, policy)}
}

func (c *HTTPAdvisoryTracker) GetBuilds(ctx context.Context, advisoryID int64) ([]string, error) {
	var out []string
	path := "/v1/advisories/" + strconv.FormatInt(advisoryID, 10) + "/builds"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPAdvisoryTracker) GetCVEAffectedRPMs(ctx context.Context, advisoryID int64) ([]string, error) {
	var out []string
	q := url.Values{"cve_affected": {"true"}}
	path := "/v1/advisories/" + strconv.FormatInt(advisoryID, 10) + "/rpms?" + q.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
