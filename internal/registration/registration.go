// Package registration implements the optional subdomain-registration
// client spec.md's §1 overview calls out as a sibling service: when
// configured, system.createUser notifies it so "<username>.pryv.local"
// resolves once account creation succeeds. Grounded on the teacher's
// klient usage (internal/service/llm/antropic), generalized from an LLM
// provider client to a small REST notifier.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/worldline-go/klient"
)

// Client notifies the registration service of new and removed users.
type Client struct {
	client *klient.Client
}

// New builds a Client against baseURL, authenticating with token as a
// bearer header on every request. A zero-value baseURL yields a Client
// whose calls are no-ops, matching deployments that run without a
// registration sibling service.
func New(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return &Client{}, nil
	}

	opts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
	}
	if token != "" {
		opts = append(opts, klient.WithHeaderSet(http.Header{
			"Authorization": []string{"Bearer " + token},
		}))
	}

	c, err := klient.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("registration: build client: %w", err)
	}
	return &Client{client: c}, nil
}

// RegisterUser tells the registration service username now exists.
func (c *Client) RegisterUser(ctx context.Context, username string) error {
	if c.client == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "/users/"+username, nil)
	if err != nil {
		return err
	}
	return c.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 300 {
			return fmt.Errorf("registration: unexpected status %d", r.StatusCode)
		}
		return nil
	})
}

// DeregisterUser tells the registration service username no longer exists.
func (c *Client) DeregisterUser(ctx context.Context, username string) error {
	if c.client == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, "/users/"+username, nil)
	if err != nil {
		return err
	}
	return c.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 300 {
			return fmt.Errorf("registration: unexpected status %d", r.StatusCode)
		}
		return nil
	})
}
