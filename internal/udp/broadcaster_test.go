package udp

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	writes   [][]byte
	writeErr error
	closed   bool
}

func (c *recordingConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *recordingConn) Close() error {
	c.closed = true
	return nil
}

func TestDialBroadcaster(t *testing.T) {
	t.Run("empty dest", func(t *testing.T) {
		_, err := dialBroadcaster("", func(string) (datagramConn, error) {
			t.Fatal("dial should not be called")
			return nil, nil
		})
		require.Error(t, err)
	})

	t.Run("dial failure", func(t *testing.T) {
		dialErr := errors.New("no route")
		_, err := dialBroadcaster("10.0.0.1:4000", func(string) (datagramConn, error) {
			return nil, dialErr
		})
		assert.ErrorIs(t, err, dialErr)
	})

	t.Run("unresolvable", func(t *testing.T) {
		_, err := NewBroadcaster("not a host:port")
		assert.Error(t, err)
	})
}

func TestBroadcasterSend(t *testing.T) {
	rc := &recordingConn{}
	b, err := dialBroadcaster("127.0.0.1:4000", func(string) (datagramConn, error) { return rc, nil })
	require.NoError(t, err)

	require.NoError(t, b.Send(nil))
	require.NoError(t, b.Send([]byte(`{"type":"teammates"}`)))
	assert.Len(t, rc.writes, 1)
	assert.Equal(t, uint64(20), b.BytesSent())
	assert.Equal(t, "127.0.0.1:4000", b.Dest())

	rc.writeErr = errors.New("refused")
	err = b.Send([]byte("x"))
	assert.ErrorIs(t, err, rc.writeErr)
	assert.Contains(t, err.Error(), "127.0.0.1:4000")

	require.NoError(t, b.Close())
	assert.True(t, rc.closed)
}

func TestBroadcasterCloseNil(t *testing.T) {
	var b *Broadcaster
	assert.NoError(t, b.Close())
	assert.NoError(t, (&Broadcaster{}).Close())
}

func TestBroadcasterLoopback(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	b, err := NewBroadcaster(pc.LocalAddr().String())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Send([]byte("hello")))

	buf := make([]byte, 64)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}
