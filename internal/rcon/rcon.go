// Package rcon implements the Source engine remote console protocol, used to
// query live server state before destructive lifecycle actions.
package rcon

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Wire packet types. Auth responses share type 2 with exec requests; the
// direction disambiguates.
const (
	typeResponseValue int32 = 0
	typeAuthResponse  int32 = 2
	typeExecCommand   int32 = 2
	typeAuth          int32 = 3
)

// ErrAuthFailed means the server rejected the configured RCON password.
var ErrAuthFailed = errors.New("rcon: authentication failed")

const defaultTimeout = 10 * time.Second

// Client is an authenticated RCON connection.
type Client struct {
	conn    net.Conn
	nextID  int32
	timeout time.Duration
}

// Dial connects to addr and performs the auth handshake with the given
// password. The context bounds the connect; per-packet deadlines bound the
// rest.
func Dial(ctx context.Context, addr, password string) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rcon: connect %s: %w", addr, err)
	}

	c := &Client{conn: conn, nextID: 1, timeout: defaultTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		c.timeout = time.Until(deadline)
	}
	if err := c.auth(password); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) auth(password string) error {
	id := c.id()
	if err := c.write(id, typeAuth, password); err != nil {
		return err
	}

	// the server may send an empty response value before the auth response
	for {
		respID, respType, _, err := c.read()
		if err != nil {
			return err
		}
		if respType != typeAuthResponse {
			continue
		}
		if respID == -1 {
			return ErrAuthFailed
		}
		if respID != id {
			return fmt.Errorf("rcon: unexpected auth response id %d", respID)
		}
		return nil
	}
}

// Exec runs a command and returns the full response text. Large responses
// arrive fragmented across several packets with the same id; fragments are
// concatenated until the empty terminator frame sent in response to the
// trailing probe packet arrives.
func (c *Client) Exec(command string) (string, error) {
	id := c.id()
	if err := c.write(id, typeExecCommand, command); err != nil {
		return "", err
	}
	// probe packet; the server answers it only after the full response,
	// marking the end of the fragment stream
	if err := c.write(id, typeResponseValue, ""); err != nil {
		return "", err
	}

	var body bytes.Buffer
	for {
		respID, respType, fragment, err := c.read()
		if err != nil {
			return "", err
		}
		if respType != typeResponseValue || respID != id {
			continue
		}
		if len(fragment) == 0 {
			return body.String(), nil
		}
		body.Write(fragment)
	}
}

// PlayerCount runs "status" and counts connected human players. The status
// text is server-defined; player rows start with '#', minus the "# userid"
// header and BOT rows.
func (c *Client) PlayerCount() (int, error) {
	status, err := c.Exec("status")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, "# userid") || strings.Contains(line, " BOT ") {
			continue
		}
		count++
	}
	return count, nil
}

func (c *Client) id() int32 {
	id := c.nextID
	c.nextID++
	return id
}

// write sends one frame:
// int32 LE length | int32 id | int32 type | NUL-terminated body | NUL.
func (c *Client) write(id, packetType int32, body string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("rcon: %w", err)
	}
	if _, err := c.conn.Write(encode(id, packetType, body)); err != nil {
		return fmt.Errorf("rcon: write: %w", err)
	}
	return nil
}

func (c *Client) read() (id, packetType int32, body []byte, err error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, 0, nil, fmt.Errorf("rcon: %w", err)
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.conn, sizeBuf[:]); err != nil {
		return 0, 0, nil, fmt.Errorf("rcon: read: %w", err)
	}
	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size < 10 || size > 1<<16 {
		return 0, 0, nil, fmt.Errorf("rcon: invalid packet size %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, 0, nil, fmt.Errorf("rcon: read: %w", err)
	}

	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	packetType = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = bytes.TrimRight(payload[8:], "\x00")
	return id, packetType, body, nil
}

// encode builds the wire form of one frame.
func encode(id, packetType int32, body string) []byte {
	size := 4 + 4 + len(body) + 2
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(packetType))
	copy(buf[12:], body)
	// trailing NUL pair is already zeroed by make
	return buf
}
