package irc

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeConn(t *testing.T, readTimeout time.Duration) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewConn(client, readTimeout, time.Second), server
}

func TestConn_ReadLine(t *testing.T) {
	conn, server := newPipeConn(t, time.Second)

	go func() {
		_, _ = server.Write([]byte("PING :cho.ppy.sh\r\nbare newline\nsecond\r\n"))
	}()

	line, err := conn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "PING :cho.ppy.sh", line)

	line, err = conn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "bare newline", line)

	line, err = conn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "second", line)
}

func TestConn_ReadLineTimeout(t *testing.T) {
	conn, _ := newPipeConn(t, 20*time.Millisecond)
	_, err := conn.ReadLine()
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestConn_WriteLine(t *testing.T) {
	conn, server := newPipeConn(t, time.Second)

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		got <- line
	}()

	require.NoError(t, conn.WriteLine("JOIN #osu"))
	assert.Equal(t, "JOIN #osu\r\n", <-got)
}

func TestConn_WriteLineRejectsLineBreaks(t *testing.T) {
	conn, _ := newPipeConn(t, time.Second)
	err := conn.WriteLine("PRIVMSG #osu :a\r\nQUIT")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "line break"))
}
