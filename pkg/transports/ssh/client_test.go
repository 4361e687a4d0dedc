package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal SSH server with exec and sftp support.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu       sync.Mutex
	commands []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()
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
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(s.close)
	return s
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
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			s.mu.Lock()
			s.commands = append(s.commands, command)
			s.mu.Unlock()
			_ = req.Reply(true, nil)

			status := make([]byte, 4)
			if i := strings.Index(command, "exit "); i >= 0 {
				code, _ := strconv.Atoi(strings.Trim(command[i+5:i+6], "'"))
				binary.BigEndian.PutUint32(status, uint32(code))
				_, _ = channel.Stderr().Write([]byte("failed\n"))
			} else {
				_, _ = channel.Write([]byte("ran\n"))
			}
			_, _ = channel.SendRequest("exit-status", false, status)
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSSHServer) lastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return ""
	}
	return s.commands[len(s.commands)-1]
}

func connectTestClient(t *testing.T, s *testSSHServer) *Client {
	t.Helper()
	host, portStr, _ := net.SplitHostPort(s.addr)
	port, _ := strconv.Atoi(portStr)

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
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	if !client.IsConnected() {
		t.Error("Expected client to be connected")
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("Expected reconnect to be a no-op, got: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Expected no error on close, got: %v", err)
	}
	if client.IsConnected() {
		t.Error("Expected client to be disconnected")
	}
}

func TestClientConnectWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	host, portStr, _ := net.SplitHostPort(server.addr)
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	err = client.Connect(context.Background())
	te, ok := err.(*TransportError)
	if !ok {
		t.Fatalf("Expected transport error, got: %v", err)
	}
	if !te.IsAuthError {
		t.Errorf("Expected auth error, got: %v", te)
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)
	ctx := context.Background()

	res, err := client.Run(ctx, &Command{Line: "echo hi", Env: map[string]string{"NAME": "a b"}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "ran\n" {
		t.Errorf("Expected exit 0 with output, got: %d %q", res.ExitCode, res.Stdout)
	}
	if cmd := server.lastCommand(); cmd != "env NAME='a b' sh -c 'echo hi'" {
		t.Errorf("Unexpected remote command: %s", cmd)
	}

	res, err = client.Run(ctx, &Command{Line: "exit 3"})
	if err != nil {
		t.Fatalf("Expected non-zero exit without error, got: %v", err)
	}
	if res.ExitCode != 3 || res.Stderr != "failed\n" {
		t.Errorf("Expected exit 3 with stderr, got: %d %q", res.ExitCode, res.Stderr)
	}
}

func TestClientRunNotConnected(t *testing.T) {
	client, err := NewClient(&Config{
		Host:              "example.com",
		Port:              22,
		User:              "u",
		AuthMethod:        AuthMethodPassword,
		Password:          "p",
		ConnectionTimeout: time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if _, err := client.Run(context.Background(), &Command{Line: "true"}); err == nil {
		t.Error("Expected error when not connected")
	}
}

func TestClientUploadAndRemove(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "remote", "scripts")
	remote := filepath.Join(dir, "setup.sh")
	if err := client.Upload(ctx, strings.NewReader("#!/bin/sh\necho ok\n"), remote, 0o755); err != nil {
		t.Fatalf("Expected upload to succeed, got: %v", err)
	}

	data, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("Expected uploaded file, got: %v", err)
	}
	if string(data) != "#!/bin/sh\necho ok\n" {
		t.Errorf("Unexpected content: %q", data)
	}
	info, _ := os.Stat(remote)
	if info.Mode().Perm() != 0o755 {
		t.Errorf("Expected mode 0755, got: %v", info.Mode().Perm())
	}

	if err := client.Remove(ctx, dir); err != nil {
		t.Fatalf("Expected remove to succeed, got: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Expected directory to be removed, got: %v", err)
	}
}

func TestBuildCommandLine(t *testing.T) {
	tests := []struct {
		name string
		cmd  *Command
		want string
	}{
		{name: "plain", cmd: &Command{Line: "ls"}, want: "sh -c ls"},
		{name: "dir", cmd: &Command{Line: "ls -l", Dir: "/tmp/x"}, want: "cd /tmp/x && sh -c 'ls -l'"},
		{name: "passwordless sudo", cmd: &Command{Line: "id", Sudo: true}, want: "sudo -n sh -c id"},
		{
			name: "sudo with password and env",
			cmd:  &Command{Line: "id", Sudo: true, SudoPassword: "secret", Env: map[string]string{"B": "2", "A": "1"}},
			want: "sudo -S -p '' env A=1 B=2 sh -c id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildCommandLine(tt.cmd)
			if got != tt.want {
				t.Errorf("Expected %q, got: %q", tt.want, got)
			}
			if strings.Contains(got, "secret") {
				t.Error("Expected the sudo password to stay off the command line")
			}
		})
	}
}
