// Package graphql talks to the transactions GraphQL endpoint: persisted
// queries, response shape matching and the two-phase transaction fetch.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dvloznov/ckexport/internal/domain"
)

const maxErrorBody = 2048

// Authenticator supplies request headers and can drop a rejected token.
type Authenticator interface {
	Headers(ctx context.Context) (http.Header, error)
	Invalidate()
}

// Request is one GraphQL operation. Exactly one of Hash and Query is set:
// Hash sends a persisted query, Query sends the full query text.
type Request struct {
	OperationName string
	Variables     any
	Hash          string
	Query         string
}

type persistedQuery struct {
	SHA256Hash string `json:"sha256Hash"`
	Version    int    `json:"version"`
}

type extensions struct {
	PersistedQuery persistedQuery `json:"persistedQuery"`
}

type requestBody struct {
	Extensions    *extensions `json:"extensions,omitempty"`
	OperationName string      `json:"operationName"`
	Variables     any         `json:"variables"`
	Query         string      `json:"query,omitempty"`
}

type responseEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Client posts operations to a single GraphQL endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	auth       Authenticator
}

// NewClient creates a client. A nil httpClient uses http.DefaultClient.
func NewClient(endpoint string, httpClient *http.Client, auth Authenticator) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, httpClient: httpClient, auth: auth}
}

// InvalidateToken drops the cached access token.
func (c *Client) InvalidateToken() {
	c.auth.Invalidate()
}

// Do executes req and returns the "data" member of the response.
//
// Errors: domain.ErrAuth when no token is available, domain.ErrAborted when
// ctx is cancelled, *domain.NetworkError for transport failures and non-2xx
// responses, *domain.GraphQLError when the response carries an errors array.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrAborted
	}

	headers, err := c.auth.Headers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.OperationName, err)
	}

	body := requestBody{
		OperationName: req.OperationName,
		Variables:     req.Variables,
		Query:         req.Query,
	}
	if req.Hash != "" {
		body.Extensions = &extensions{PersistedQuery: persistedQuery{SHA256Hash: req.Hash, Version: 1}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", req.OperationName, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", req.OperationName, err)
	}
	httpReq.Header = headers

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrAborted
		}
		return nil, &domain.NetworkError{Op: req.OperationName, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrAborted
		}
		return nil, &domain.NetworkError{Op: req.OperationName, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.NetworkError{
			Op:         req.OperationName,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), maxErrorBody),
		}
	}

	var env responseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &domain.NetworkError{
			Op:         req.OperationName,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), maxErrorBody),
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}

	if len(env.Errors) > 0 {
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, &domain.GraphQLError{Messages: msgs}
	}

	return env.Data, nil
}

// isAbort reports whether err is a cooperative cancellation.
func isAbort(err error) bool {
	return errors.Is(err, domain.ErrAborted) || errors.Is(err, context.Canceled)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
