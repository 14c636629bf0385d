package rcon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestEncode(t *testing.T) {
	got := encode(5, typeExecCommand, "status")

	want := []byte{
		0x10, 0x00, 0x00, 0x00, // length: 4 + 4 + 6 + 2
		0x05, 0x00, 0x00, 0x00, // request id
		0x02, 0x00, 0x00, 0x00, // type: exec
		's', 't', 'a', 't', 'u', 's', 0x00, // NUL-terminated body
		0x00, // terminator
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("encode mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestEncode_NegativeID(t *testing.T) {
	got := encode(-1, typeAuthResponse, "")
	id := int32(binary.LittleEndian.Uint32(got[4:8]))
	if id != -1 {
		t.Fatalf("expected id -1 on the wire, got %d", id)
	}
}

// test server helpers

func serverRead(t *testing.T, conn net.Conn) (id, packetType int32, body string) {
	t.Helper()
	var sizeBuf [4]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		t.Fatalf("server read size: %v", err)
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("server read payload: %v", err)
	}
	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	packetType = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = string(bytes.TrimRight(payload[8:], "\x00"))
	return id, packetType, body
}

func serverWrite(t *testing.T, conn net.Conn, id, packetType int32, body string) {
	t.Helper()
	if _, err := conn.Write(encode(id, packetType, body)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func testClient(conn net.Conn) *Client {
	return &Client{conn: conn, nextID: 1, timeout: time.Second}
}

func TestAuthSuccess(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		id, packetType, body := serverRead(t, serverConn)
		if packetType != typeAuth {
			t.Errorf("expected auth packet, got type %d", packetType)
		}
		if body != "hunter2" {
			t.Errorf("expected password in auth body, got %q", body)
		}
		// real servers send an empty response value before the auth response
		serverWrite(t, serverConn, id, typeResponseValue, "")
		serverWrite(t, serverConn, id, typeAuthResponse, "")
	}()

	c := testClient(clientConn)
	if err := c.auth("hunter2"); err != nil {
		t.Fatalf("auth error: %v", err)
	}
}

func TestAuthFailure(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		serverRead(t, serverConn)
		serverWrite(t, serverConn, -1, typeAuthResponse, "")
	}()

	c := testClient(clientConn)
	if err := c.auth("wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestExec_FragmentedResponse(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		id, packetType, body := serverRead(t, serverConn)
		if packetType != typeExecCommand || body != "status" {
			t.Errorf("unexpected exec packet: type=%d body=%q", packetType, body)
		}
		// the trailing probe packet
		probeID, probeType, _ := serverRead(t, serverConn)
		if probeID != id || probeType != typeResponseValue {
			t.Errorf("unexpected probe packet: id=%d type=%d", probeID, probeType)
		}

		// large responses are fragmented across packets with the same id
		serverWrite(t, serverConn, id, typeResponseValue, "hostname: Spire\n")
		serverWrite(t, serverConn, id, typeResponseValue, "players : 2 humans")
		serverWrite(t, serverConn, id, typeResponseValue, "")
	}()

	c := testClient(clientConn)
	got, err := c.Exec("status")
	if err != nil {
		t.Fatalf("Exec error: %v", err)
	}
	want := "hostname: Spire\nplayers : 2 humans"
	if got != want {
		t.Fatalf("Exec = %q, want %q", got, want)
	}
}

const statusResponse = `hostname: Spire
version : 8835751/24 8835751 secure
# userid name                uniqueid            connected ping loss state
#      2 "red"               [U:1:111111]        12:05       52    0 active
#      3 "blu"               [U:1:222222]        05:13       48    0 active
#      4 "SourceTV"          BOT                 12:05        0    0 active
`

func TestPlayerCount(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		id, _, _ := serverRead(t, serverConn)
		serverRead(t, serverConn)
		serverWrite(t, serverConn, id, typeResponseValue, statusResponse)
		serverWrite(t, serverConn, id, typeResponseValue, "")
	}()

	c := testClient(clientConn)
	count, err := c.PlayerCount()
	if err != nil {
		t.Fatalf("PlayerCount error: %v", err)
	}
	// the header row and the SourceTV bot do not count
	if count != 2 {
		t.Fatalf("PlayerCount = %d, want 2", count)
	}
}

func TestRead_RejectsBogusSize(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], 2)
		serverConn.Write(buf[:])
	}()

	c := testClient(clientConn)
	if _, _, _, err := c.read(); err == nil {
		t.Fatal("expected error for undersized packet")
	}
}
