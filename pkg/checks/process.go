package checks

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// sshUnreachableExit is the exit code ssh reports when it cannot connect.
const sshUnreachableExit = 255

// ProcessCheck verifies that a systemd unit is active, optionally on a VM
// reached through a second ssh hop from the command runner's host.
type ProcessCheck struct {
	outcomeBase
	service string
	via     string
	runner  engine.CommandRunner
	timeout time.Duration
}

// NewProcessCheck creates a process check from spec. Params: "service"
// (required), "via" (user@host for a second hop), "recreate" (a destructive
// command offered after start and restart).
func NewProcessCheck(spec engine.CheckSpec, runner engine.CommandRunner, timeout time.Duration) (*ProcessCheck, error) {
	service := spec.Param("service", "")
	if service == "" {
		return nil, fmt.Errorf("process check %s: service is required", spec.Name)
	}
	c := &ProcessCheck{
		outcomeBase: outcomeBase{
			name:      spec.Name,
			kind:      KindProcess,
			predicate: fmt.Sprintf("service %s running", service),
			severity:  severityOf(spec, engine.SeverityCritical),
		},
		service: service,
		via:     spec.Param("via", ""),
		runner:  runner,
		timeout: durationParam(spec, "timeout", timeout),
	}

	c.fixes = []engine.FixCommand{
		{Command: c.wrap("systemctl start " + shellQuote(service)), Description: "start " + service},
		{Command: c.wrap("systemctl restart " + shellQuote(service)), Description: "restart " + service},
	}
	c.fixes = append(c.fixes, specFixes(spec)...)
	if recreate := spec.Param("recreate", ""); recreate != "" {
		c.fixes = append(c.fixes, engine.FixCommand{Command: recreate, Description: "recreate " + service, Destructive: true})
	}
	return c, nil
}

// wrap runs cmd on the second-hop target when one is configured.
func (c *ProcessCheck) wrap(cmd string) string {
	if c.via == "" {
		return cmd
	}
	return sshCommand(c.via, cmd)
}

// GatherEvidence implements engine.OutcomeCheck.
func (c *ProcessCheck) GatherEvidence(ctx context.Context) (*engine.Observation, error) {
	res, err := c.runner.Run(ctx, c.wrap("systemctl is-active "+shellQuote(c.service)), c.timeout)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.service, err)
	}
	if c.via != "" && res.ExitCode == sshUnreachableExit {
		return c.unreachable(fmt.Sprintf("ssh %s failed: %s", c.via, truncate(res.Stderr, 200))), nil
	}

	state := strings.TrimSpace(res.Stdout)
	if state == "" {
		state = "unknown"
	}
	facts := map[string]string{
		"service":   c.service,
		"state":     state,
		"exit_code": strconv.Itoa(res.ExitCode),
	}
	return &engine.Observation{
		Evidence: []engine.Evidence{c.evidence(fmt.Sprintf("systemctl is-active %s: %s", c.service, state))},
		Facts:    facts,
	}, nil
}

// Passed implements engine.OutcomeCheck.
func (c *ProcessCheck) Passed(obs *engine.Observation) bool {
	return obs != nil && !obs.Unreachable && obs.Facts["state"] == "active"
}

// sshCommand wraps cmd in a non-interactive ssh invocation.
func sshCommand(target, cmd string) string {
	return fmt.Sprintf("ssh -o BatchMode=yes -o ConnectTimeout=10 -o StrictHostKeyChecking=accept-new %s %s",
		target, shellQuote(cmd))
}
