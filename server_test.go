package main

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fzft/go-reactor/cmd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve runs s on the test goroutine until client returns.
func serve(t *testing.T, s *Server, client func(host string, port int)) {
	t.Helper()
	addr := s.ListenAddress()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer s.Loop().Quit()
		client(addr.ToIP(), int(addr.Port()))
	}()
	timer := time.AfterFunc(10*time.Second, s.Loop().Quit)
	defer timer.Stop()

	require.NoError(t, s.Run())
	select {
	case <-finished:
	default:
		t.Fatal("client did not finish before the timeout")
	}
}

func TestServerEchoesLines(t *testing.T) {
	for _, threads := range []int{0, 3} {
		s, err := NewServer(Config{Addr: "127.0.0.1:0", Threads: threads})
		require.NoError(t, err)

		serve(t, s, func(host string, port int) {
			c, err := cmd.Dial(host, port, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()

			for _, line := range []string{"hello", "", "with spaces  "} {
				reply, err := c.Command(line)
				assert.NoError(t, err)
				assert.Equal(t, line, reply)
			}
			reply, err := c.Command("QUIT")
			assert.NoError(t, err)
			assert.Equal(t, "bye", reply)

			_, err = c.Command("after quit")
			assert.Error(t, err)
		})
	}
}

func TestServerPipelinedLines(t *testing.T) {
	s, err := NewServer(Config{Addr: "127.0.0.1:0", Threads: 1})
	require.NoError(t, err)

	serve(t, s, func(host string, port int) {
		conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		assert.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

		// One write, three lines, the last split across writes.
		_, err = conn.Write([]byte("a\r\nb\r\nc"))
		assert.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
		_, err = conn.Write([]byte("\r\n"))
		assert.NoError(t, err)

		r := bufio.NewReader(conn)
		for _, want := range []string{"a", "b", "c"} {
			got, err := r.ReadString('\n')
			assert.NoError(t, err)
			assert.Equal(t, want+"\r\n", got)
		}
	})
}

func TestServerRejectsOverlongLine(t *testing.T) {
	s, err := NewServer(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	serve(t, s, func(host string, port int) {
		conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		assert.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

		_, err = conn.Write([]byte(strings.Repeat("x", ProtoInlineMaxSize+1)))
		assert.NoError(t, err)

		reply, err := io.ReadAll(conn)
		assert.NoError(t, err)
		assert.Equal(t, "-ERR line too long\r\n", string(reply))
	})
}

func TestNewServerBadAddress(t *testing.T) {
	_, err := NewServer(Config{Addr: "no-port"})
	assert.Error(t, err)
}
