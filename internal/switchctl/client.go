// Package switchctl speaks the telephony switch's line-oriented control
// protocol: single-line commands answered with a "+OK"/"-ERR" marker and
// free-text detail. Only an explicit positive acknowledgement counts as
// success; anything else, including a timeout, is failure.
package switchctl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	successMarker  = "+OK"
	dialTimeout    = 10 * time.Second
	commandTimeout = 5 * time.Second
)

// Controller is the command surface the dispatcher needs. Tests use a
// fake; production uses Client.
type Controller interface {
	// Bridge connects an agent's extension to an active channel
	Bridge(ctx context.Context, channelID, extension string) bool
	// Disconnect kills a channel with the given hangup cause
	Disconnect(ctx context.Context, channelID, cause string) bool
	// Originate starts a new outbound call leg carrying the given
	// channel variables. Returns the switch job reference on success.
	Originate(ctx context.Context, destination string, vars map[string]string, bridgeTo string) (string, bool)
}

// Client is a TCP client for the switch control endpoint. The connection
// is established lazily and dropped on any command failure so the next
// command reconnects.
type Client struct {
	addr     string
	password string
	logger   zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient creates a control client for the given host:port
func NewClient(addr, password string, logger zerolog.Logger) *Client {
	return &Client{addr: addr, password: password, logger: logger}
}

// Bridge issues uuid_bridge and reports whether the switch acknowledged
func (c *Client) Bridge(ctx context.Context, channelID, extension string) bool {
	body, err := c.api(ctx, fmt.Sprintf("api uuid_bridge %s user/%s", channelID, extension))
	if err != nil {
		c.logger.Error().Err(err).Str("channel_id", channelID).Str("extension", extension).
			Msg("bridge command failed")
		return false
	}
	if !strings.HasPrefix(body, successMarker) {
		c.logger.Error().Str("channel_id", channelID).Str("extension", extension).
			Str("response", body).Msg("switch rejected bridge")
		return false
	}
	c.logger.Info().Str("channel_id", channelID).Str("extension", extension).Msg("channel bridged")
	return true
}

// Disconnect issues uuid_kill and reports whether the switch acknowledged
func (c *Client) Disconnect(ctx context.Context, channelID, cause string) bool {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	body, err := c.api(ctx, fmt.Sprintf("api uuid_kill %s %s", channelID, cause))
	if err != nil {
		c.logger.Error().Err(err).Str("channel_id", channelID).Str("cause", cause).
			Msg("disconnect command failed")
		return false
	}
	if !strings.HasPrefix(body, successMarker) {
		c.logger.Error().Str("channel_id", channelID).Str("cause", cause).
			Str("response", body).Msg("switch rejected disconnect")
		return false
	}
	c.logger.Info().Str("channel_id", channelID).Str("cause", cause).Msg("channel disconnected")
	return true
}

// Originate starts an outbound leg. vars become channel variables visible
// in later events for the same channel; bridgeTo, when set, makes the
// switch bridge the answered leg straight to that extension.
func (c *Client) Originate(ctx context.Context, destination string, vars map[string]string, bridgeTo string) (string, bool) {
	app := "&park"
	if bridgeTo != "" {
		app = fmt.Sprintf("&bridge(user/%s)", bridgeTo)
	}

	body, err := c.api(ctx, fmt.Sprintf("bgapi originate {%s}%s %s", formatVars(vars), destination, app))
	if err != nil {
		c.logger.Error().Err(err).Str("destination", destination).Msg("originate command failed")
		return "", false
	}
	if !strings.HasPrefix(body, successMarker) {
		c.logger.Error().Str("destination", destination).Str("response", body).
			Msg("switch rejected originate")
		return "", false
	}

	// Reply looks like "+OK Job-UUID: <uuid>"
	fields := strings.Fields(body)
	jobID := fields[len(fields)-1]
	c.logger.Info().Str("destination", destination).Str("job_id", jobID).Msg("call originated")
	return jobID, true
}

// api sends one command and returns the response body. Any transport
// error drops the connection so the next command redials.
func (c *Client) api(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return "", err
	}

	deadline := time.Now().Add(commandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	if _, err := fmt.Fprintf(c.conn, "%s\n\n", command); err != nil {
		c.dropLocked()
		return "", fmt.Errorf("send command: %w", err)
	}

	body, err := c.readBlockLocked()
	if err != nil {
		c.dropLocked()
		return "", fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// connectLocked dials and authenticates if no live connection exists
func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial switch at %s: %w", c.addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	_ = conn.SetDeadline(time.Now().Add(commandTimeout))

	// Banner, then auth
	if _, err := c.reader.ReadString('\n'); err != nil {
		c.dropLocked()
		return fmt.Errorf("read switch banner: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "auth %s\n\n", c.password); err != nil {
		c.dropLocked()
		return fmt.Errorf("send auth: %w", err)
	}
	reply, err := c.readBlockLocked()
	if err != nil {
		c.dropLocked()
		return fmt.Errorf("read auth reply: %w", err)
	}
	if !strings.HasPrefix(reply, successMarker) {
		c.dropLocked()
		return fmt.Errorf("switch auth rejected: %s", reply)
	}

	c.logger.Info().Str("addr", c.addr).Msg("connected to switch control endpoint")
	return nil
}

// readBlockLocked reads lines until a blank line and returns the joined
// body. Responses use \n or \r\n line endings.
func (c *Client) readBlockLocked() (string, error) {
	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
			continue
		}
		lines = append(lines, line)
	}
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close shuts the control connection down
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

// formatVars renders channel variables in deterministic key order
func formatVars(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s='%s'", k, vars[k]))
	}
	return strings.Join(parts, ",")
}
