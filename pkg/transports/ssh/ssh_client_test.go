package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server for testing.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func exitStatus(code uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, code)
	return b
}

// handleChannel answers a few scripted commands.
func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		command := string(req.Payload[4:])
		if req.WantReply {
			req.Reply(true, nil)
		}

		switch {
		case command == "true":
			channel.SendRequest("exit-status", false, exitStatus(0))
		case command == "systemctl is-active ipa":
			channel.Write([]byte("active\n"))
			channel.SendRequest("exit-status", false, exitStatus(0))
		case command == "systemctl is-active named":
			channel.Write([]byte("inactive\n"))
			channel.Stderr().Write([]byte("unit named is not running\n"))
			channel.SendRequest("exit-status", false, exitStatus(3))
		case strings.HasPrefix(command, "sleep"):
			select {
			case <-time.After(5 * time.Second):
			case <-s.done:
			}
			channel.SendRequest("exit-status", false, exitStatus(0))
		default:
			channel.Write([]byte("command: " + command + "\n"))
			channel.SendRequest("exit-status", false, exitStatus(0))
		}
		return
	}
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		s.listener.Close()
	}
}

// newTestClient returns a client for server using password auth.
func newTestClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail when disconnected")
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.PrivateKeyPath = writeTestKey(t)
	config.StrictHostKeyChecking = false

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
}

func TestClientRejectsBadPassword(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = client.Run(context.Background(), "true", time.Second)
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if _, ok := err.(*TransportError); !ok {
		t.Errorf("expected *TransportError, got %T", err)
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		expectedExit   int
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "active unit",
			command:        "systemctl is-active ipa",
			expectedExit:   0,
			expectedStdout: "active",
		},
		{
			name:           "inactive unit",
			command:        "systemctl is-active named",
			expectedExit:   3,
			expectedStdout: "inactive",
			expectedStderr: "unit named is not running",
		},
		{
			name:           "echo",
			command:        "hostname",
			expectedExit:   0,
			expectedStdout: "command: hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Run(ctx, tt.command, 5*time.Second)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.ExitCode != tt.expectedExit {
				t.Errorf("expected exit code %d, got %d", tt.expectedExit, result.ExitCode)
			}
			if result.Stdout != tt.expectedStdout {
				t.Errorf("expected stdout '%s', got '%s'", tt.expectedStdout, result.Stdout)
			}
			if result.Stderr != tt.expectedStderr {
				t.Errorf("expected stderr '%s', got '%s'", tt.expectedStderr, result.Stderr)
			}
		})
	}

	if !client.IsConnected() {
		t.Error("expected Run to connect lazily")
	}
}

func TestClientRunTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)

	start := time.Now()
	result, err := client.Run(context.Background(), "sleep 10", 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if result == nil || result.ExitCode != -1 {
		t.Errorf("expected exit code -1 on timeout, got %+v", result)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout not honoured, took %v", elapsed)
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
