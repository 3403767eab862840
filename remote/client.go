// Package remote talks to the configuration/identification API. Queries and mutations go
// over GraphQL-on-HTTP (Client); channel change events arrive over a graphql-transport-ws
// websocket (Feed).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/songid/telemetry"
)

// ErrGraphQL is wrapped by errors returned in a GraphQL "errors" array.
var ErrGraphQL = errors.New("graphql error")

// Client performs GraphQL requests authenticated with the shared API secret.
type Client struct {
	URL        string
	Secret     string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// Do runs query with vars and decodes the "data" object into out (if non-nil).
func (c *Client) Do(ctx context.Context, query string, vars map[string]any, out any) error {
	ctx, span := telemetry.StartSpan(ctx, "remote", "graphql "+operationName(query))
	defer span.End()

	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Secret "+c.Secret)
	resp, err := c.http().Do(req)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("graphql request failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
		telemetry.RecordError(span, err)
		return err
	}
	var gr gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		err := fmt.Errorf("%w: %s", ErrGraphQL, strings.Join(msgs, "; "))
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	if out == nil || len(gr.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("decode graphql data: %w", err)
	}
	return nil
}

// operationName extracts "Channel" from "query Channel($id: ID!) {...}" for span names.
func operationName(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "anonymous"
	}
	switch fields[0] {
	case "query", "mutation", "subscription":
	default:
		return "anonymous"
	}
	if len(fields) < 2 {
		return fields[0]
	}
	name := fields[1]
	if i := strings.IndexAny(name, "({"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return fields[0]
	}
	return name
}
