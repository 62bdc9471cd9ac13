// Package search keeps the users full-text index in step with replicated
// events. It writes through the Meilisearch SDK.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keygate/keygate/telemetry"
	"github.com/meilisearch/meilisearch-go"
)

const (
	DefaultTimeout = 5 * time.Second
	// PrimaryKey of user documents
	PrimaryKey = "user_id"
)

// StatusError is a non-2xx index response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("index responded %d: %s", e.StatusCode, e.Body)
}

// Config configures the index client
type Config struct {
	URL     string
	APIKey  string
	Index   string
	Timeout time.Duration
}

// Client writes documents to one index
type Client struct {
	index   meilisearch.IndexManager
	timeout time.Duration
}

// NewClient validates the configuration and creates a client
func NewClient(config Config) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("search url is required")
	}
	if config.Index == "" {
		return nil, fmt.Errorf("search index is required")
	}
	host := strings.TrimRight(config.URL, "/")
	if _, err := url.Parse(host); err != nil {
		return nil, fmt.Errorf("invalid search url: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	opts := []meilisearch.Option{
		meilisearch.WithCustomClient(&http.Client{Timeout: config.Timeout}),
	}
	if config.APIKey != "" {
		opts = append(opts, meilisearch.WithAPIKey(config.APIKey))
	}
	svc := meilisearch.New(host, opts...)

	return &Client{
		index:   svc.Index(config.Index),
		timeout: config.Timeout,
	}, nil
}

// Upsert adds or replaces documents by primary key. The index applies the
// write asynchronously; an accepted task counts as success.
func (c *Client) Upsert(ctx context.Context, docs ...interface{}) error {
	_, err := c.index.AddDocumentsWithContext(ctx, docs, PrimaryKey)
	return observe("upsert", err)
}

// Delete removes one document by id. Deleting a missing document succeeds.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.index.DeleteDocumentWithContext(ctx, id)
	return observe("delete", err)
}

// observe counts the outcome and turns API rejections into StatusError
func observe(op string, err error) error {
	if err == nil {
		telemetry.IndexRequestsTotal.With(op, "ok").Inc()
		return nil
	}

	var apiErr *meilisearch.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		telemetry.IndexRequestsTotal.With(op, "rejected").Inc()
		return &StatusError{StatusCode: apiErr.StatusCode, Body: strings.TrimSpace(apiErr.ResponseToString)}
	}

	telemetry.IndexRequestsTotal.With(op, "error").Inc()
	return fmt.Errorf("index %s request failed: %w", op, err)
}
