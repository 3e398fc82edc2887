package dataapi

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

	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
)

// findResult is the envelope the data services return for find calls.
type findResult[T any] struct {
	Data []T `json:"data"`
}

// Client is an HTTP client for the data-access services. It implements
// DatastreamService, DatapointService, StationService, BuildService and
// Authorizer.
type Client struct {
	baseURL string
	httpc   *http.Client
	auth    *authenticator
}

// NewClient creates a data API client. Email and password may be empty only
// when the server allows anonymous access; Verify fails closed otherwise.
func NewClient(baseURL, email, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
	c.auth = newAuthenticator(c, email, password)
	return c
}

// Verify authenticates the worker's credentials, reusing a cached token
func (c *Client) Verify(ctx context.Context) error {
	return c.auth.verify(ctx)
}

// Find implements DatastreamService
func (c *Client) Find(ctx context.Context, query DatastreamQuery) ([]Datastream, error) {
	var result findResult[Datastream]
	if err := c.get(ctx, "/datastreams", query.Values(), &result); err != nil {
		return nil, errors.Wrap(err, "Client", "Find", "find datastreams")
	}
	return result.Data, nil
}

// FindDatapoints implements DatapointService.Find
func (c *Client) FindDatapoints(ctx context.Context, query DatapointQuery) ([]Datapoint, error) {
	var result findResult[Datapoint]
	if err := c.get(ctx, "/datapoints", query.Values(), &result); err != nil {
		return nil, errors.Wrap(err, "Client", "FindDatapoints", "find datapoints")
	}
	return result.Data, nil
}

// Patch implements DatastreamService
func (c *Client) Patch(ctx context.Context, id string, set map[string]interface{},
	query map[string]interface{}) (*Datastream, error) {

	params := url.Values{}
	for k, v := range query {
		params.Set(k, fmt.Sprint(v))
	}

	body := map[string]interface{}{"$set": set}
	var patched Datastream
	err := c.do(ctx, http.MethodPatch, "/datastreams/"+url.PathEscape(id), params, body, &patched)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "Patch", "patch datastream")
	}
	return &patched, nil
}

// Get implements StationService
func (c *Client) Get(ctx context.Context, id string) (*Station, error) {
	var station Station
	if err := c.get(ctx, "/stations/"+url.PathEscape(id), nil, &station); err != nil {
		return nil, errors.Wrap(err, "Client", "Get", "get station")
	}
	return &station, nil
}

// Create implements BuildService
func (c *Client) Create(ctx context.Context, job *Job) error {
	if err := c.do(ctx, http.MethodPost, "/derived-builds", nil, job, nil); err != nil {
		return errors.Wrap(err, "Client", "Create", "create build job")
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, params, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values,
	body, out interface{}) error {

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.WrapInvalid(err, "Client", "do", "encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errors.Wrap(err, "Client", "do", "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.auth.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Client", "do", "execute request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errors.WrapTransient(err, "Client", "do", "read response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", errors.ErrNotFound, method, path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", errors.ErrNotAuthorized, resp.StatusCode)
	case resp.StatusCode >= 400:
		return errors.WrapTransient(
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
			"Client", "do", method+" "+path)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.WrapInvalid(err, "Client", "do", "decode response")
		}
	}
	return nil
}

// datapointFinder adapts Client to the DatapointService interface, whose
// method name collides with DatastreamService.Find on the same type.
type datapointFinder struct {
	c *Client
}

// Find implements DatapointService
func (f datapointFinder) Find(ctx context.Context, query DatapointQuery) ([]Datapoint, error) {
	return f.c.FindDatapoints(ctx, query)
}

// Datapoints returns the client's DatapointService view.
func (c *Client) Datapoints() DatapointService {
	return datapointFinder{c: c}
}
