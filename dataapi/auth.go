package dataapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
)

// tokenTTL bounds how long a fetched access token is reused before
// re-authenticating.
const tokenTTL = 30 * time.Minute

// authenticator caches a bearer token for the data API. Verification fails
// closed: missing credentials or a failed authentication always error.
type authenticator struct {
	client   *Client
	email    string
	password string

	mu          sync.Mutex
	accessToken string
	fetchedAt   time.Time
}

func newAuthenticator(client *Client, email, password string) *authenticator {
	return &authenticator{
		client:   client,
		email:    email,
		password: password,
	}
}

func (a *authenticator) token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessToken
}

type authResponse struct {
	AccessToken string `json:"accessToken"`
}

func (a *authenticator) verify(ctx context.Context) error {
	if a.email == "" || a.password == "" {
		return errors.WrapInvalid(errors.ErrNotAuthorized, "authenticator", "verify",
			"credentials not configured")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && time.Since(a.fetchedAt) < tokenTTL {
		return nil
	}

	body := map[string]interface{}{
		"strategy": "local",
		"email":    a.email,
		"password": a.password,
	}

	var resp authResponse
	err := a.client.do(ctx, http.MethodPost, "/authentication", nil, body, &resp)
	if err != nil {
		a.accessToken = ""
		return errors.Wrap(err, "authenticator", "verify", "authenticate")
	}
	if resp.AccessToken == "" {
		return errors.WrapInvalid(errors.ErrNotAuthorized, "authenticator", "verify",
			"empty access token")
	}

	a.accessToken = resp.AccessToken
	a.fetchedAt = time.Now()
	return nil
}
