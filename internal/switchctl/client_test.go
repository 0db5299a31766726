package switchctl

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeSwitchServer speaks just enough of the control protocol for the
// client: banner, auth, then scripted replies per command prefix.
type fakeSwitchServer struct {
	listener net.Listener
	mu       sync.Mutex
	replies  map[string]string
	commands []string
	authOK   bool
}

func startFakeSwitch(t *testing.T) *fakeSwitchServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSwitchServer{listener: ln, replies: make(map[string]string), authOK: true}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *fakeSwitchServer) addr() string {
	return s.listener.Addr().String()
}

func (s *fakeSwitchServer) reply(prefix, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[prefix] = response
}

func (s *fakeSwitchServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *fakeSwitchServer) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	conn.Write([]byte("Content-Type: auth/request\n"))

	readBlock := func() (string, bool) {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return "", false
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				if len(lines) > 0 {
					return strings.Join(lines, "\n"), true
				}
				continue
			}
			lines = append(lines, line)
		}
	}

	// Auth exchange
	if _, ok := readBlock(); !ok {
		return
	}
	s.mu.Lock()
	authOK := s.authOK
	s.mu.Unlock()
	if !authOK {
		conn.Write([]byte("-ERR invalid password\n\n"))
		return
	}
	conn.Write([]byte("+OK accepted\n\n"))

	for {
		cmd, ok := readBlock()
		if !ok {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		response := "-ERR no reply configured"
		for prefix, r := range s.replies {
			if strings.HasPrefix(cmd, prefix) {
				response = r
				break
			}
		}
		s.mu.Unlock()
		conn.Write([]byte(response + "\n\n"))
	}
}

func TestBridgeSuccess(t *testing.T) {
	s := startFakeSwitch(t)
	s.reply("api uuid_bridge", "+OK")

	c := NewClient(s.addr(), "secret", zerolog.Nop())
	defer c.Close()

	if !c.Bridge(context.Background(), "chan-1", "1001") {
		t.Error("expected bridge to succeed")
	}

	cmds := s.received()
	if len(cmds) != 1 || cmds[0] != "api uuid_bridge chan-1 user/1001" {
		t.Errorf("unexpected commands: %v", cmds)
	}
}

func TestBridgeRejected(t *testing.T) {
	s := startFakeSwitch(t)
	s.reply("api uuid_bridge", "-ERR no such channel")

	c := NewClient(s.addr(), "secret", zerolog.Nop())
	defer c.Close()

	if c.Bridge(context.Background(), "chan-1", "1001") {
		t.Error("rejected bridge must report failure")
	}
}

func TestDisconnectDefaultsCause(t *testing.T) {
	s := startFakeSwitch(t)
	s.reply("api uuid_kill", "+OK")

	c := NewClient(s.addr(), "secret", zerolog.Nop())
	defer c.Close()

	if !c.Disconnect(context.Background(), "chan-1", "") {
		t.Error("expected disconnect to succeed")
	}
	cmds := s.received()
	if len(cmds) != 1 || cmds[0] != "api uuid_kill chan-1 NORMAL_CLEARING" {
		t.Errorf("unexpected commands: %v", cmds)
	}
}

func TestOriginateParsesJobID(t *testing.T) {
	s := startFakeSwitch(t)
	s.reply("bgapi originate", "+OK Job-UUID: 123e4567-e89b-12d3-a456-426614174000")

	c := NewClient(s.addr(), "secret", zerolog.Nop())
	defer c.Close()

	jobID, ok := c.Originate(context.Background(), "491700000001", map[string]string{
		"origination_uuid": "call-1",
	}, "1001")
	if !ok {
		t.Fatal("expected originate to succeed")
	}
	if jobID != "123e4567-e89b-12d3-a456-426614174000" {
		t.Errorf("unexpected job id: %s", jobID)
	}

	cmds := s.received()
	want := "bgapi originate {origination_uuid='call-1'}491700000001 &bridge(user/1001)"
	if len(cmds) != 1 || cmds[0] != want {
		t.Errorf("expected %q, got %v", want, cmds)
	}
}

func TestAuthRejected(t *testing.T) {
	s := startFakeSwitch(t)
	s.mu.Lock()
	s.authOK = false
	s.mu.Unlock()

	c := NewClient(s.addr(), "wrong", zerolog.Nop())
	defer c.Close()

	if c.Bridge(context.Background(), "chan-1", "1001") {
		t.Error("bridge must fail when auth is rejected")
	}
}

func TestUnreachableSwitch(t *testing.T) {
	c := NewClient("127.0.0.1:1", "secret", zerolog.Nop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if c.Disconnect(ctx, "chan-1", "NO_ANSWER") {
		t.Error("disconnect must fail when the switch is unreachable")
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	s := startFakeSwitch(t)
	s.reply("api uuid_kill", "+OK")

	c := NewClient(s.addr(), "secret", zerolog.Nop())
	defer c.Close()

	if !c.Disconnect(context.Background(), "chan-1", "NO_ANSWER") {
		t.Fatal("first disconnect should succeed")
	}

	// Drop the connection server-side; the next command must redial
	c.Close()
	if !c.Disconnect(context.Background(), "chan-2", "NO_ANSWER") {
		t.Error("disconnect after reconnect should succeed")
	}
}

func TestFormatVarsDeterministic(t *testing.T) {
	vars := map[string]string{
		"b": "2",
		"a": "1",
		"c": "3",
	}
	want := "a='1',b='2',c='3'"
	for i := 0; i < 5; i++ {
		if got := formatVars(vars); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}
