package checks

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

const defaultMinValidDays = 14

// CertificateCheck verifies the TLS certificate served at an address: the
// chain verifies for the server name and does not expire too soon.
type CertificateCheck struct {
	outcomeBase
	address    string
	serverName string
	minDays    int
	skipVerify bool
	roots      *x509.CertPool
	timeout    time.Duration
	now        func() time.Time
}

// NewCertificateCheck creates a certificate check. Params: "address"
// (host:port, required), "server_name" (the host part by default),
// "min_days" (14), "ca_file" (a PEM bundle trusted instead of the system
// pool), "skip_verify" (only check expiry).
func NewCertificateCheck(spec engine.CheckSpec, timeout time.Duration) (*CertificateCheck, error) {
	address := spec.Param("address", "")
	if address == "" {
		return nil, fmt.Errorf("certificate check %s: address is required", spec.Name)
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("certificate check %s: %w", spec.Name, err)
	}

	c := &CertificateCheck{
		address:    address,
		serverName: spec.Param("server_name", host),
		minDays:    intParam(spec, "min_days", defaultMinValidDays),
		skipVerify: boolParam(spec, "skip_verify"),
		timeout:    durationParam(spec, "timeout", timeout),
		now:        time.Now,
	}
	c.outcomeBase = outcomeBase{
		name:      spec.Name,
		kind:      KindCertificate,
		predicate: fmt.Sprintf("certificate for %s at %s valid for at least %d days", c.serverName, address, c.minDays),
		severity:  severityOf(spec, engine.SeverityWarning),
		fixes:     specFixes(spec),
	}

	if caFile := spec.Param("ca_file", ""); caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("certificate check %s: read ca_file: %w", spec.Name, err)
		}
		c.roots = x509.NewCertPool()
		if !c.roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("certificate check %s: no certificates in %s", spec.Name, caFile)
		}
	}
	return c, nil
}

// GatherEvidence implements engine.OutcomeCheck.
func (c *CertificateCheck) GatherEvidence(ctx context.Context) (*engine.Observation, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.timeout},
		// The chain is verified below so that an invalid certificate is
		// still observed and reported.
		Config: &tls.Config{ServerName: c.serverName, InsecureSkipVerify: true}, //nolint:gosec
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return c.unreachable(fmt.Sprintf("tls dial %s: %v", c.address, err)), nil
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return c.unreachable(fmt.Sprintf("%s presented no certificate", c.address)), nil
	}
	leaf := state.PeerCertificates[0]

	intermediates := x509.NewCertPool()
	for _, cert := range state.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}

	verified := true
	verifyErr := ""
	if _, err := leaf.Verify(x509.VerifyOptions{
		DNSName:       c.serverName,
		Roots:         c.roots,
		Intermediates: intermediates,
		CurrentTime:   c.now(),
	}); err != nil {
		verified = false
		verifyErr = err.Error()
	}

	daysLeft := int(math.Floor(leaf.NotAfter.Sub(c.now()).Hours() / 24))
	facts := map[string]string{
		"subject":   leaf.Subject.CommonName,
		"issuer":    leaf.Issuer.CommonName,
		"not_after": leaf.NotAfter.UTC().Format(time.RFC3339),
		"days_left": strconv.Itoa(daysLeft),
		"verified":  strconv.FormatBool(verified),
	}
	if verifyErr != "" {
		facts["verify_error"] = verifyErr
	}

	detail := fmt.Sprintf("%s: subject=%q issuer=%q expires %s (%d days), verified=%t",
		c.address, facts["subject"], facts["issuer"], facts["not_after"], daysLeft, verified)
	if verifyErr != "" {
		detail += ": " + verifyErr
	}
	return &engine.Observation{Evidence: []engine.Evidence{c.evidence(detail)}, Facts: facts}, nil
}

// Passed implements engine.OutcomeCheck.
func (c *CertificateCheck) Passed(obs *engine.Observation) bool {
	if obs == nil || obs.Unreachable {
		return false
	}
	days, err := strconv.Atoi(obs.Facts["days_left"])
	if err != nil || days < c.minDays {
		return false
	}
	return c.skipVerify || obs.Facts["verified"] == "true"
}
