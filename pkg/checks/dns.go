package checks

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

const resolvConf = "/etc/resolv.conf"

// DNSCheck verifies that a name resolves, optionally to an expected value.
type DNSCheck struct {
	outcomeBase
	qname   string
	qtype   uint16
	server  string
	expect  string
	timeout time.Duration
}

// NewDNSCheck creates a name resolution check. Params: "name" (required),
// "type" (A by default), "server" (host:port, the system resolver by
// default), "expect" (a value that must be among the answers).
func NewDNSCheck(spec engine.CheckSpec, timeout time.Duration) (*DNSCheck, error) {
	name := spec.Param("name", "")
	if name == "" {
		return nil, fmt.Errorf("dns check %s: name is required", spec.Name)
	}
	typeName := strings.ToUpper(spec.Param("type", "A"))
	qtype, ok := dns.StringToType[typeName]
	if !ok {
		return nil, fmt.Errorf("dns check %s: unknown record type %q", spec.Name, typeName)
	}

	server := spec.Param("server", "")
	if server == "" {
		server = systemResolver()
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	expect := spec.Param("expect", "")
	predicate := fmt.Sprintf("%s %s resolves", name, typeName)
	if expect != "" {
		predicate = fmt.Sprintf("%s %s resolves to %s", name, typeName, expect)
	}

	return &DNSCheck{
		outcomeBase: outcomeBase{
			name:      spec.Name,
			kind:      KindDNS,
			predicate: predicate,
			severity:  severityOf(spec, engine.SeverityCritical),
			fixes:     specFixes(spec),
		},
		qname:   dns.Fqdn(name),
		qtype:   qtype,
		server:  server,
		expect:  strings.TrimSuffix(expect, "."),
		timeout: durationParam(spec, "timeout", timeout),
	}, nil
}

// systemResolver returns the first nameserver of resolv.conf.
func systemResolver() string {
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(conf.Servers) == 0 {
		return "127.0.0.1:53"
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

// GatherEvidence implements engine.OutcomeCheck.
func (c *DNSCheck) GatherEvidence(ctx context.Context) (*engine.Observation, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(c.qname, c.qtype)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: c.timeout}
	in, rtt, err := client.ExchangeContext(ctx, msg, c.server)
	if err != nil {
		return c.unreachable(fmt.Sprintf("query %s via %s: %v", c.qname, c.server, err)), nil
	}

	var answers []string
	for _, rr := range in.Answer {
		if v := answerValue(rr); v != "" {
			answers = append(answers, v)
		}
	}
	sort.Strings(answers)

	rcode := dns.RcodeToString[in.Rcode]
	facts := map[string]string{
		"rcode":   rcode,
		"answers": strings.Join(answers, ","),
		"count":   strconv.Itoa(len(answers)),
		"rtt_ms":  strconv.FormatInt(rtt.Milliseconds(), 10),
	}
	detail := fmt.Sprintf("%s %s via %s: %s [%s]", c.qname, dns.TypeToString[c.qtype], c.server, rcode, facts["answers"])
	return &engine.Observation{Evidence: []engine.Evidence{c.evidence(detail)}, Facts: facts}, nil
}

// Passed implements engine.OutcomeCheck.
func (c *DNSCheck) Passed(obs *engine.Observation) bool {
	if obs == nil || obs.Unreachable || obs.Facts["rcode"] != dns.RcodeToString[dns.RcodeSuccess] {
		return false
	}
	if obs.Facts["answers"] == "" {
		return false
	}
	if c.expect == "" {
		return true
	}
	for _, a := range strings.Split(obs.Facts["answers"], ",") {
		if strings.EqualFold(a, c.expect) {
			return true
		}
	}
	return false
}

func answerValue(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.A:
		return v.A.String()
	case *dns.AAAA:
		return v.AAAA.String()
	case *dns.CNAME:
		return strings.TrimSuffix(v.Target, ".")
	case *dns.PTR:
		return strings.TrimSuffix(v.Ptr, ".")
	case *dns.SRV:
		return fmt.Sprintf("%s:%d", strings.TrimSuffix(v.Target, "."), v.Port)
	case *dns.MX:
		return strings.TrimSuffix(v.Mx, ".")
	case *dns.TXT:
		return strings.Join(v.Txt, "")
	default:
		return ""
	}
}
