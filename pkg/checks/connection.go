package checks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/openfroyo/smartpipeline/pkg/clients/airflow"
	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// ConnectionAPI manages workflow engine connections.
type ConnectionAPI interface {
	GetConnection(ctx context.Context, id string) (*airflow.Connection, error)
	CreateConnection(ctx context.Context, conn airflow.Connection) error
	UpdateConnectionLogin(ctx context.Context, conn airflow.Connection, login string) error
	TestConnection(ctx context.Context, conn airflow.Connection) (bool, string, error)
}

// SSHConnectionSettings describe the SSH connection workflows use to run
// commands on the host.
type SSHConnectionSettings struct {
	ConnectionID string
	Host         string
	Port         int
	User         string
	KeyPath      string
	AutoFix      bool
}

func (s SSHConnectionSettings) withDefaults() SSHConnectionSettings {
	if s.ConnectionID == "" {
		s.ConnectionID = "localhost_ssh"
	}
	if s.Host == "" {
		s.Host = "localhost"
	}
	if s.Port == 0 {
		s.Port = 22
	}
	if s.User == "" {
		s.User = "root"
	}
	return s
}

// SSH connection check names.
const (
	CheckConnectionExists = "connection_exists"
	CheckSSHUser          = "ssh_user"
	CheckSSHKey           = "ssh_key"
	CheckSSHDReachable    = "sshd_reachable"
)

type sshConnection struct {
	api      ConnectionAPI
	settings SSHConnectionSettings
	timeout  time.Duration
}

// SSHConnectionChecks returns the pre-flight checks of the workflow engine's
// SSH connection, in order: the connection exists (auto-created when
// missing), its login matches the configured user (patched on mismatch), its
// key file matches, and sshd answers. Only the existence check is mandatory.
func SSHConnectionChecks(api ConnectionAPI, settings SSHConnectionSettings, timeout time.Duration) []engine.PrerequisiteCheck {
	conn := &sshConnection{api: api, settings: settings.withDefaults(), timeout: timeout}
	return []engine.PrerequisiteCheck{
		&connectionExists{prereqBase{name: CheckConnectionExists, mandatory: true}, conn},
		&connectionUser{prereqBase{name: CheckSSHUser}, conn},
		&connectionKey{prereqBase{name: CheckSSHKey}, conn},
		&sshdReachable{prereqBase{name: CheckSSHDReachable}, conn},
	}
}

func (s *sshConnection) desired() airflow.Connection {
	extra := ""
	if s.settings.KeyPath != "" {
		raw, _ := json.Marshal(map[string]string{"key_file": s.settings.KeyPath})
		extra = string(raw)
	}
	return airflow.Connection{
		ConnectionID: s.settings.ConnectionID,
		ConnType:     "ssh",
		Host:         s.settings.Host,
		Login:        s.settings.User,
		Port:         s.settings.Port,
		Extra:        extra,
	}
}

// fetch returns the connection, nil when it does not exist.
func (s *sshConnection) fetch(ctx context.Context) (*airflow.Connection, error) {
	conn, err := s.api.GetConnection(ctx, s.settings.ConnectionID)
	if errors.Is(err, airflow.ErrConnectionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", s.settings.ConnectionID, err)
	}
	return conn, nil
}

type connectionExists struct {
	prereqBase
	conn *sshConnection
}

func (c *connectionExists) Run(ctx context.Context, _ *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	id := c.conn.settings.ConnectionID
	existing, err := c.conn.fetch(ctx)
	if err != nil {
		return engine.PrerequisiteResult{}, err
	}
	if existing != nil {
		return c.result(engine.CheckOK, fmt.Sprintf("connection %s exists", id)), nil
	}
	if !c.conn.settings.AutoFix {
		return c.result(engine.CheckError, fmt.Sprintf("connection %s does not exist", id)), nil
	}
	if err := c.conn.api.CreateConnection(ctx, c.conn.desired()); err != nil {
		return c.result(engine.CheckError, fmt.Sprintf("connection %s does not exist and could not be created: %v", id, err)), nil
	}
	return c.fixed(fmt.Sprintf("connection %s was missing", id), fmt.Sprintf("created connection %s", id)), nil
}

type connectionUser struct {
	prereqBase
	conn *sshConnection
}

func (c *connectionUser) Run(ctx context.Context, _ *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	existing, err := c.conn.fetch(ctx)
	if err != nil {
		return engine.PrerequisiteResult{}, err
	}
	want := c.conn.settings.User
	if existing == nil {
		return c.result(engine.CheckWarning, "connection missing, cannot check SSH user"), nil
	}
	if existing.Login == want {
		return c.result(engine.CheckOK, fmt.Sprintf("SSH user is %s", want)), nil
	}
	if !c.conn.settings.AutoFix {
		return c.result(engine.CheckWarning, fmt.Sprintf("SSH user is %q, expected %q", existing.Login, want)), nil
	}
	if err := c.conn.api.UpdateConnectionLogin(ctx, *existing, want); err != nil {
		return c.result(engine.CheckWarning, fmt.Sprintf("SSH user is %q, expected %q; update failed: %v", existing.Login, want, err)), nil
	}
	return c.fixed(fmt.Sprintf("SSH user was %q", existing.Login), fmt.Sprintf("changed SSH user from %q to %q", existing.Login, want)), nil
}

type connectionKey struct {
	prereqBase
	conn *sshConnection
}

func (c *connectionKey) Run(ctx context.Context, _ *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	existing, err := c.conn.fetch(ctx)
	if err != nil {
		return engine.PrerequisiteResult{}, err
	}
	if existing == nil {
		return c.result(engine.CheckWarning, "connection missing, cannot check SSH key"), nil
	}
	keyFile := existing.ExtraField("key_file")
	want := c.conn.settings.KeyPath
	switch {
	case keyFile == "":
		return c.result(engine.CheckWarning, "connection has no key_file configured"), nil
	case want != "" && keyFile != want:
		return c.result(engine.CheckWarning, fmt.Sprintf("connection key_file is %s, expected %s", keyFile, want)), nil
	default:
		return c.result(engine.CheckOK, fmt.Sprintf("key_file %s", keyFile)), nil
	}
}

type sshdReachable struct {
	prereqBase
	conn *sshConnection
}

// Run asks the workflow engine to test the connection and falls back to a
// TCP dial of the SSH port when the engine cannot run the test.
func (c *sshdReachable) Run(ctx context.Context, _ *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	existing, err := c.conn.fetch(ctx)
	if err != nil {
		return engine.PrerequisiteResult{}, err
	}
	target := c.conn.desired()
	if existing != nil {
		target = *existing
	}

	ok, msg, err := c.conn.api.TestConnection(ctx, target)
	if err == nil {
		if ok {
			return c.result(engine.CheckOK, "sshd reachable"), nil
		}
		return c.result(engine.CheckWarning, fmt.Sprintf("connection test failed: %s", msg)), nil
	}

	host := target.Host
	if host == "" {
		host = c.conn.settings.Host
	}
	port := target.Port
	if port == 0 {
		port = c.conn.settings.Port
	}
	address := net.JoinHostPort(host, strconv.Itoa(port))
	if open, _ := dialTCP(ctx, address, c.conn.timeout); open {
		return c.result(engine.CheckOK, fmt.Sprintf("sshd port open at %s", address)), nil
	}
	return c.result(engine.CheckWarning, fmt.Sprintf("sshd not reachable at %s", address)), nil
}
