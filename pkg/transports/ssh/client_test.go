package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/terradev/terradev/pkg/engine"
)

// execReply scripts the test server's answer to an exec request.
type execReply struct {
	stdout string
	stderr string
	code   uint32
	delay  time.Duration
}

// testSSHServer provides a minimal SSH server with exec and sftp support.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu       sync.Mutex
	commands []string
	reply    func(cmd string) execReply
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
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
	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
		reply:    func(string) execReply { return execReply{} },
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

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:]) // Skip the length prefix
			if req.WantReply {
				req.Reply(true, nil)
			}

			s.mu.Lock()
			s.commands = append(s.commands, command)
			reply := s.reply
			s.mu.Unlock()

			r := execReply{}
			if command != "true" {
				r = reply(command)
			}
			time.Sleep(r.delay)
			channel.Write([]byte(r.stdout))
			channel.Stderr().Write([]byte(r.stderr))
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{r.code}))
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) setReply(fn func(cmd string) execReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

func (s *testSSHServer) lastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.commands) - 1; i >= 0; i-- {
		if s.commands[i] != "true" {
			return s.commands[i]
		}
	}
	return ""
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		s.listener.Close()
	}
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func newTestClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.Password = "testpass"
	config.ConnectTimeout = 5 * time.Second

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail when disconnected")
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	keyPath := writeTestKey(t, "")

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.KeyPath = keyPath

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
}

func TestExecutorRun(t *testing.T) {
	server := newTestSSHServer(t)
	server.setReply(func(cmd string) execReply {
		return execReply{stdout: "  + create aws_instance.gpu\n", stderr: "warning\n", code: 2}
	})
	executor := NewExecutor(newTestClient(t, server), "terraform")

	result, err := executor.Run(context.Background(), engine.RunRequest{
		Mode:    engine.ModeDryRun,
		Args:    []string{"plan", "-detailed-exitcode"},
		WorkDir: "/srv/iac",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", result.ExitCode)
	}
	if result.Stdout != "  + create aws_instance.gpu\n" || result.Stderr != "warning\n" {
		t.Errorf("stdout = %q stderr = %q", result.Stdout, result.Stderr)
	}

	want := "cd '/srv/iac' && TF_IN_AUTOMATION=1 TF_INPUT=0 'terraform' 'plan' '-detailed-exitcode'"
	if got := server.lastCommand(); got != want {
		t.Errorf("remote command = %q, want %q", got, want)
	}
}

func TestExecutorTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	server.setReply(func(string) execReply { return execReply{delay: 2 * time.Second} })
	executor := NewExecutor(newTestClient(t, server), "terraform")

	_, err := executor.Run(context.Background(), engine.RunRequest{
		Mode:    engine.ModeApply,
		Args:    []string{"apply", "-auto-approve"},
		Timeout: 100 * time.Millisecond,
	})
	if !engine.IsTimeout(err) {
		t.Errorf("Run() error = %v, want timeout", err)
	}
}

func TestRemoteCommandQuoting(t *testing.T) {
	got := RemoteCommand("/work dir", nil, "terraform", []string{"destroy", "-target", "it's"})
	want := `cd '/work dir' && 'terraform' 'destroy' '-target' 'it'\''s'`
	if got != want {
		t.Errorf("RemoteCommand() = %s, want %s", got, want)
	}

	if got := RemoteCommand("", nil, "terraform", nil); got != "'terraform'" {
		t.Errorf("RemoteCommand() without work dir = %s", got)
	}
}

func TestStateBackendRoundTrip(t *testing.T) {
	server := newTestSSHServer(t)
	backend := NewStateBackend(newTestClient(t, server))
	dir := t.TempDir()
	ctx := context.Background()

	if _, err := backend.Capture(ctx, dir); !errors.Is(err, engine.ErrNoState) {
		t.Fatalf("Capture() on empty dir error = %v, want ErrNoState", err)
	}

	state := []byte(`{"version":4,"serial":9,"lineage":"remote"}`)
	if err := backend.Restore(ctx, dir, state); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	data, err := backend.Capture(ctx, dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if string(data) != string(state) {
		t.Errorf("Capture() = %s, want %s", data, state)
	}
	if _, err := os.Stat(filepath.Join(dir, "terraform.tfstate.restore")); !os.IsNotExist(err) {
		t.Error("temporary restore file left behind")
	}

	if err := backend.Restore(ctx, dir, []byte(`{"serial":10}`)); err != nil {
		t.Fatalf("second Restore() error = %v", err)
	}
	local, _ := os.ReadFile(filepath.Join(dir, "terraform.tfstate"))
	if string(local) != `{"serial":10}` {
		t.Errorf("state after overwrite = %s", local)
	}

	if err := backend.ClearLock(ctx, dir); err != nil {
		t.Errorf("ClearLock() without lock error = %v", err)
	}
	lock := filepath.Join(dir, ".terraform.tfstate.lock.info")
	if err := os.WriteFile(lock, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := backend.ClearLock(ctx, dir); err != nil {
		t.Fatalf("ClearLock() error = %v", err)
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}
}
