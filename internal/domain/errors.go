package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuth means no access token could be derived from cookies or the page.
	ErrAuth = errors.New("no access token found, make sure you are logged in")

	// ErrAborted marks user-initiated cancellation. Never reported as a failure.
	ErrAborted = errors.New("extraction aborted")

	// ErrEmptyResult means the run found nothing inside the requested window.
	ErrEmptyResult = errors.New("no transactions found in the specified date range")
)

// NetworkError is a failed request or a non-2xx response.
type NetworkError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NeedsRefresh reports whether the server asked for a new access token.
func (e *NetworkError) NeedsRefresh() bool {
	return e.StatusCode == 401 && strings.Contains(e.Body, "TOKEN_NEEDS_REFRESH")
}

// GraphQLError is a well-formed errors array returned by the server.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "graphql: " + strings.Join(e.Messages, "; ")
}
