// Package client is a minimal chat client speaking the server's line
// protocol. It is the reference for collaborators and drives the
// integration tests.
package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pliu/classchat/internal/crypto/hybrid"
	"github.com/pliu/classchat/internal/protocol"
)

// ServerError is an error frame returned by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrUnexpectedFrame is returned when the handshake sees an out-of-order kind.
var ErrUnexpectedFrame = errors.New("unexpected frame")

type Client struct {
	Username string

	conn   net.Conn
	reader *bufio.Reader
	key    []byte
	wmu    sync.Mutex
}

// Dial connects and completes the handshake as username. With encrypt set it
// fetches the server key and exchanges a fresh session key; otherwise the
// server must be running with encryption disabled.
func Dial(ctx context.Context, addr, username string, encrypt bool) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		Username: username,
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, 64<<10),
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := c.handshake(encrypt); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return c, nil
}

func (c *Client) handshake(encrypt bool) error {
	if err := c.writePlain(&protocol.Message{Kind: protocol.KindHandshakeInit, Sender: c.Username}); err != nil {
		return err
	}
	if encrypt {
		msg, err := c.read()
		if err != nil {
			return err
		}
		if msg.Kind != protocol.KindPublicKey {
			return fmt.Errorf("%w: %s, want public_key", ErrUnexpectedFrame, msg.Kind)
		}
		pub, err := hybrid.ParsePublicKeyPEM(msg.Payload)
		if err != nil {
			return err
		}
		key, err := hybrid.NewSessionKey()
		if err != nil {
			return err
		}
		wrapped, err := hybrid.EncryptSessionKey(pub, key)
		if err != nil {
			return err
		}
		if err := c.writePlain(&protocol.Message{Kind: protocol.KindKeyExchange, Sender: c.Username, Payload: wrapped}); err != nil {
			return err
		}
		c.key = key
	}
	msg, err := c.read()
	if err != nil {
		return err
	}
	if msg.Kind != protocol.KindHandshakeAck {
		return fmt.Errorf("%w: %s, want handshake_ack", ErrUnexpectedFrame, msg.Kind)
	}
	return nil
}

func (c *Client) writePlain(msg *protocol.Message) error {
	line, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(line)
	return err
}

// Send stamps the sender and writes msg, encrypted when a key is set.
func (c *Client) Send(msg *protocol.Message) error {
	msg.Sender = c.Username
	if c.key == nil {
		return c.writePlain(msg)
	}
	line, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	envelope, err := hybrid.Encrypt(line[:len(line)-1], c.key)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(append([]byte(envelope), '\n'))
	return err
}

// Receive waits up to timeout for the next frame. Error frames come back as
// *ServerError alongside the message.
func (c *Client) Receive(timeout time.Duration) (*protocol.Message, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return c.read()
}

// Expect reads frames until one of kind arrives, skipping presence updates.
func (c *Client) Expect(kind protocol.Kind, timeout time.Duration) (*protocol.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("waiting for %s: %w", kind, os.ErrDeadlineExceeded)
		}
		msg, err := c.Receive(remaining)
		if msg != nil && msg.Kind == kind {
			return msg, nil
		}
		if err != nil {
			return msg, err
		}
		if msg.Kind != protocol.KindPresence {
			return msg, fmt.Errorf("%w: %s, want %s", ErrUnexpectedFrame, msg.Kind, kind)
		}
	}
}

func (c *Client) read() (*protocol.Message, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	plain := line
	// Errors sent before the key is bound arrive as plain JSON.
	if c.key != nil && len(line) > 0 && line[0] != '{' {
		plain, err = hybrid.Decrypt(string(trimLine(line)), c.key)
		if err != nil {
			return nil, err
		}
	}
	msg, err := protocol.Decode(plain)
	if err != nil {
		return nil, err
	}
	if msg.Kind == protocol.KindError {
		return msg, &ServerError{Code: msg.Code, Message: msg.Payload}
	}
	return msg, nil
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func (c *Client) SendText(to, text string) error {
	return c.Send(&protocol.Message{Kind: protocol.KindText, Target: to, Payload: text})
}

func (c *Client) SendGroup(group, text string) error {
	return c.Send(&protocol.Message{Kind: protocol.KindGroupMessage, Target: group, Payload: text, IsGroup: true})
}

func (c *Client) CreateGroup(name string) error {
	return c.Send(&protocol.Message{Kind: protocol.KindGroupCreate, Target: name})
}

func (c *Client) JoinGroup(name string) error {
	return c.Send(&protocol.Message{Kind: protocol.KindGroupJoin, Target: name})
}

// SendFile base64-encodes data and sends it to a user, or to a group when
// isGroup is set.
func (c *Client) SendFile(to, name string, data []byte, isGroup bool) error {
	return c.Send(&protocol.Message{
		Kind:     protocol.KindFile,
		Target:   to,
		FileName: name,
		Payload:  base64.StdEncoding.EncodeToString(data),
		IsGroup:  isGroup,
	})
}

func (c *Client) RequestHistory(target string, isGroup bool) error {
	return c.Send(&protocol.Message{Kind: protocol.KindHistory, Target: target, IsGroup: isGroup})
}

func (c *Client) ListUsers() error {
	return c.Send(&protocol.Message{Kind: protocol.KindListUsers})
}

func (c *Client) ListGroups() error {
	return c.Send(&protocol.Message{Kind: protocol.KindListGroups})
}

// Close sends a disconnect frame and closes the socket.
func (c *Client) Close() error {
	c.Send(&protocol.Message{Kind: protocol.KindDisconnect})
	hybrid.ZeroKey(c.key)
	return c.conn.Close()
}
