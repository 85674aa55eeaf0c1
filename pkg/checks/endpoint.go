package checks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// HTTPDoer describes the HTTP client used by HTTPCheck.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPCheck verifies that an endpoint answers with the expected status and,
// optionally, a body containing a marker.
type HTTPCheck struct {
	outcomeBase
	url      string
	method   string
	expect   int
	contains string
	client   HTTPDoer
}

// NewHTTPCheck creates an endpoint check. Params: "url" (required),
// "method" (GET), "expect_status" (any 2xx when unset), "contains".
func NewHTTPCheck(spec engine.CheckSpec, client HTTPDoer, timeout time.Duration) (*HTTPCheck, error) {
	url := spec.Param("url", "")
	if url == "" {
		return nil, fmt.Errorf("http check %s: url is required", spec.Name)
	}
	if client == nil {
		client = &http.Client{Timeout: durationParam(spec, "timeout", timeout)}
	}
	c := &HTTPCheck{
		url:      url,
		method:   strings.ToUpper(spec.Param("method", http.MethodGet)),
		expect:   intParam(spec, "expect_status", 0),
		contains: spec.Param("contains", ""),
		client:   client,
	}

	predicate := fmt.Sprintf("%s %s answers 2xx", c.method, url)
	if c.expect != 0 {
		predicate = fmt.Sprintf("%s %s answers %d", c.method, url, c.expect)
	}
	if c.contains != "" {
		predicate += fmt.Sprintf(" containing %q", c.contains)
	}
	c.outcomeBase = outcomeBase{
		name:      spec.Name,
		kind:      KindHTTP,
		predicate: predicate,
		severity:  severityOf(spec, engine.SeverityCritical),
		fixes:     specFixes(spec),
	}
	return c, nil
}

// GatherEvidence implements engine.OutcomeCheck. A refused connection is an
// observation of a down endpoint; a name that cannot be resolved is not.
func (c *HTTPCheck) GatherEvidence(ctx context.Context) (*engine.Observation, error) {
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return c.unreachable(fmt.Sprintf("%s %s: %v", c.method, c.url, err)), nil
		}
		return &engine.Observation{
			Evidence: []engine.Evidence{c.evidence(fmt.Sprintf("%s %s: %v", c.method, c.url, err))},
			Facts:    map[string]string{"status": "0", "error": err.Error()},
		}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	facts := map[string]string{"status": strconv.Itoa(resp.StatusCode)}
	if c.contains != "" {
		facts["contains"] = strconv.FormatBool(strings.Contains(string(body), c.contains))
	}
	return &engine.Observation{
		Evidence: []engine.Evidence{c.evidence(fmt.Sprintf("%s %s: HTTP %d", c.method, c.url, resp.StatusCode))},
		Facts:    facts,
	}, nil
}

// Passed implements engine.OutcomeCheck.
func (c *HTTPCheck) Passed(obs *engine.Observation) bool {
	if obs == nil || obs.Unreachable {
		return false
	}
	status, err := strconv.Atoi(obs.Facts["status"])
	if err != nil {
		return false
	}
	if c.expect != 0 && status != c.expect {
		return false
	}
	if c.expect == 0 && (status < 200 || status >= 300) {
		return false
	}
	return c.contains == "" || obs.Facts["contains"] == "true"
}

// PortCheck verifies that a TCP port accepts connections.
type PortCheck struct {
	outcomeBase
	address string
	timeout time.Duration
}

// NewPortCheck creates a port check. Params: "address" (host:port, required).
func NewPortCheck(spec engine.CheckSpec, timeout time.Duration) (*PortCheck, error) {
	address := spec.Param("address", "")
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("port check %s: address must be host:port: %w", spec.Name, err)
	}
	return &PortCheck{
		outcomeBase: outcomeBase{
			name:      spec.Name,
			kind:      KindPort,
			predicate: fmt.Sprintf("%s accepts TCP connections", address),
			severity:  severityOf(spec, engine.SeverityCritical),
			fixes:     specFixes(spec),
		},
		address: address,
		timeout: durationParam(spec, "timeout", timeout),
	}, nil
}

// GatherEvidence implements engine.OutcomeCheck.
func (c *PortCheck) GatherEvidence(ctx context.Context) (*engine.Observation, error) {
	open, detail := dialTCP(ctx, c.address, c.timeout)
	return &engine.Observation{
		Evidence: []engine.Evidence{c.evidence(detail)},
		Facts:    map[string]string{"open": strconv.FormatBool(open)},
	}, nil
}

// Passed implements engine.OutcomeCheck.
func (c *PortCheck) Passed(obs *engine.Observation) bool {
	return obs != nil && !obs.Unreachable && obs.Facts["open"] == "true"
}

func dialTCP(ctx context.Context, address string, timeout time.Duration) (bool, string) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return false, fmt.Sprintf("tcp %s: %v", address, err)
	}
	_ = conn.Close()
	return true, fmt.Sprintf("tcp %s: open", address)
}
