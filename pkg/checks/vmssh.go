package checks

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// VM SSH check names.
const (
	CheckVMExists  = "vm_exists"
	CheckVMIP      = "vm_ip"
	CheckVMSSHPort = "vm_ssh_port"
	CheckVMSSHAuth = "vm_ssh_auth"
	CheckVMSSH     = "vm_ssh"
)

var ipv4Pattern = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})/\d+`)

// VMSSHPrerequisite validates the second hop: the host the command runner
// reaches can open an SSH session to the VM a workflow deploys to. A VM that
// does not exist yet passes, since the workflow creates it. Every other
// problem is a warning.
type VMSSHPrerequisite struct {
	prereqBase
	target        engine.VMTarget
	runner        engine.CommandRunner
	publicKeyPath string
	autoFix       bool
	timeout       time.Duration
}

// NewVMSSHPrerequisite creates a second-hop check for target. When autoFix is
// set and authentication fails, the host public key at publicKeyPath is
// injected through the guest agent.
func NewVMSSHPrerequisite(target engine.VMTarget, runner engine.CommandRunner, publicKeyPath string, autoFix bool, timeout time.Duration) *VMSSHPrerequisite {
	return &VMSSHPrerequisite{
		prereqBase:    prereqBase{name: CheckVMSSH},
		target:        target,
		runner:        runner,
		publicKeyPath: publicKeyPath,
		autoFix:       autoFix,
		timeout:       timeout,
	}
}

// Target returns the VM the check inspects.
func (c *VMSSHPrerequisite) Target() engine.VMTarget {
	return c.target
}

func (c *VMSSHPrerequisite) run(ctx context.Context, cmd string) (*engine.CommandResult, error) {
	res, err := c.runner.Run(ctx, cmd, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", cmd, err)
	}
	return res, nil
}

// Run implements engine.PrerequisiteCheck.
func (c *VMSSHPrerequisite) Run(ctx context.Context, _ *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	vm := c.target.Name

	res, err := c.run(ctx, "virsh domstate "+shellQuote(vm))
	if err != nil {
		return engine.PrerequisiteResult{}, err
	}
	if res.ExitCode != 0 {
		return c.named(CheckVMExists, engine.CheckOK,
			fmt.Sprintf("VM '%s' does not exist yet; it will be created by the workflow", vm)), nil
	}

	res, err = c.run(ctx, "virsh domifaddr "+shellQuote(vm)+" --source lease")
	if err != nil {
		return engine.PrerequisiteResult{}, err
	}
	m := ipv4Pattern.FindStringSubmatch(res.Stdout)
	if m == nil {
		return c.named(CheckVMIP, engine.CheckWarning,
			fmt.Sprintf("VM '%s' has no IP assigned; it may still be booting", vm)), nil
	}
	ip := m[1]

	res, err = c.run(ctx, fmt.Sprintf("timeout 5 bash -c %s", shellQuote("</dev/tcp/"+ip+"/22")))
	if err != nil {
		return engine.PrerequisiteResult{}, err
	}
	if res.ExitCode != 0 {
		return c.named(CheckVMSSHPort, engine.CheckWarning,
			fmt.Sprintf("VM '%s' (%s): SSH port 22 is closed; sshd may not be running yet", vm, ip)), nil
	}

	login := sshCommand(c.target.SSHUser+"@"+ip, "true")
	res, err = c.run(ctx, login)
	if err != nil {
		return engine.PrerequisiteResult{}, err
	}
	if res.ExitCode == 0 {
		return c.named(CheckVMSSHAuth, engine.CheckOK, fmt.Sprintf("VM '%s' (%s): SSH OK", vm, ip)), nil
	}
	authErr := truncate(res.Stderr, 200)
	if !c.autoFix || c.publicKeyPath == "" {
		return c.named(CheckVMSSHAuth, engine.CheckWarning,
			fmt.Sprintf("VM '%s' (%s): SSH auth failed: %s", vm, ip, authErr)), nil
	}

	inject := fmt.Sprintf("virsh set-user-sshkeys %s %s --file %s",
		shellQuote(vm), shellQuote(c.target.SSHUser), shellQuote(c.publicKeyPath))
	if _, err := c.run(ctx, inject); err != nil {
		return engine.PrerequisiteResult{}, err
	}
	res, err = c.run(ctx, login)
	if err != nil {
		return engine.PrerequisiteResult{}, err
	}
	if res.ExitCode == 0 {
		r := c.named(CheckVMSSHAuth, engine.CheckFixed, fmt.Sprintf("VM '%s' (%s): SSH key was missing", vm, ip))
		r.FixApplied = "injected host public key"
		return r, nil
	}
	return c.named(CheckVMSSHAuth, engine.CheckWarning,
		fmt.Sprintf("VM '%s' (%s): SSH auth failed after auto-fix attempt: %s. Check the SSH key pair on the host",
			vm, ip, truncate(res.Stderr, 200))), nil
}

// named reports the stage that decided the result in the message so the
// result keeps the stable check name.
func (c *VMSSHPrerequisite) named(stage string, status engine.CheckStatus, msg string) engine.PrerequisiteResult {
	return c.result(status, fmt.Sprintf("%s: %s", stage, msg))
}
