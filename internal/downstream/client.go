// Package downstream calls the delete-by-subject endpoints of the services
// that own data keyed by an account id.
package downstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ovaphlow/pitchfork/service-identity/internal/config"
)

// InternalSecretHeader carries the service-to-service credential.
const InternalSecretHeader = "X-Internal-Secret"

// StatusError is returned when a downstream answers with a non-success status.
type StatusError struct {
	Service string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.Status, e.Body)
}

// Client deletes one downstream service's data for a subject.
type Client struct {
	name     string
	endpoint string
	trust    config.TrustMode
	secret   string
	hc       *http.Client
}

// New builds a client for d. A nil hc gets a client with the given timeout.
func New(d config.Downstream, internalSecret string, timeout time.Duration, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{name: d.Name, endpoint: d.Endpoint, trust: d.Trust, secret: internalSecret, hc: hc}
}

// FromConfig builds one client per configured downstream, sharing hc.
func FromConfig(cfg config.Config, hc *http.Client) []*Client {
	ds := cfg.Downstreams()
	out := make([]*Client, 0, len(ds))
	for _, d := range ds {
		out = append(out, New(d, cfg.InternalServiceSecret, cfg.DownstreamTimeout, hc))
	}
	return out
}

func (c *Client) Name() string { return c.name }

// DeleteBySubject issues DELETE against the endpoint with {id} replaced by
// subjectID. 2xx and 404 count as done.
func (c *Client) DeleteBySubject(ctx context.Context, subjectID int64, bearer string) error {
	url := strings.ReplaceAll(c.endpoint, "{id}", strconv.FormatInt(subjectID, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	switch c.trust {
	case config.TrustInternal:
		req.Header.Set(InternalSecretHeader, c.secret)
	default:
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Service: c.name, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
