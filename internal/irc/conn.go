package irc

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// maxLineLength bounds one inbound protocol line, including tags and prefix.
const maxLineLength = 8192

// Conn wraps a TCP connection with IRC line framing. Writes are
// serialised; reads must come from a single goroutine.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps a raw TCP connection.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadLine reads one line without its trailing CR LF. A read timeout
// longer than the server's PING interval doubles as a liveness check.
//
// Postcondition: Returns the next line, or an error (including io.EOF and
// deadline expiry).
func (c *Conn) ReadLine() (string, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	var line bytes.Buffer
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return line.String(), err
		}
		if b == '\n' {
			break
		}
		if b == '\r' {
			next, err := c.reader.Peek(1)
			if err == nil && len(next) > 0 && next[0] == '\n' {
				_, _ = c.reader.ReadByte()
			}
			break
		}
		// NUL is not allowed on the wire; drop it rather than fail the line.
		if b == 0 {
			continue
		}
		if line.Len() >= maxLineLength {
			continue
		}
		line.WriteByte(b)
	}
	return line.String(), nil
}

// WriteLine sends one protocol line followed by CR LF.
//
// Precondition: line must not contain CR or LF.
// Postcondition: line + \r\n is written to the connection, or an error is returned.
func (c *Conn) WriteLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("line contains a line break")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := fmt.Fprintf(c.raw, "%s\r\n", line)
	return err
}

// Close closes the underlying TCP connection.
//
// Postcondition: The connection is closed and no longer usable.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr returns the remote network address of the server.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
