package serbuf

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipePorts(t *testing.T, leftCfg, rightCfg *Config) (*Port, *Port) {
	t.Helper()

	ctx := context.Background()
	left, right := net.Pipe()

	a := NewPort("a", left, leftCfg)
	require.NoError(t, a.Init(ctx))

	b := NewPort("b", right, rightCfg)
	require.NoError(t, b.Init(ctx))

	return a, b
}

func waitReadable(t *testing.T, p *Port) {
	t.Helper()

	select {
	case <-p.Readable():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for received data")
	}
}

func Test_Port_InitValidation(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()

	assert.Error(NewPort("p", nil, nil).Init(ctx))

	left, _ := net.Pipe()
	defer left.Close()

	cfg := NewDefaultConfig()
	cfg.TxBufferExponent = MaxExponent + 1
	assert.Error(NewPort("p", left, cfg).Init(ctx))

	cfg = NewDefaultConfig()
	cfg.RxBufferExponent = -1
	assert.Error(NewPort("p", left, cfg).Init(ctx))

	cfg = NewDefaultConfig()
	cfg.ReadChunkSize = 0
	assert.Error(NewPort("p", left, cfg).Init(ctx))

	assert.NoError(NewPort("p", left, nil).Init(ctx))
}

func Test_Port_LoopbackRoundTrip(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()

	a, b := newPipePorts(t, nil, nil)

	a.Run(ctx)
	defer a.Stop()

	b.Run(ctx)
	defer b.Stop()

	sent := []byte("hello over the wire")
	assert.Equal(len(sent), a.Send(sent))

	waitReadable(t, b)
	assert.Eventually(func() bool {
		return b.UnreadCount() == uint32(len(sent))
	}, time.Second, time.Millisecond)

	got := make([]byte, 64)
	n := b.Receive(got)
	assert.Equal(sent, got[:n])
	assert.Zero(b.UnreadCount())

	// And back the other way.
	reply := []byte("ack")
	assert.Equal(len(reply), b.Send(reply))

	assert.Eventually(func() bool {
		return a.UnreadCount() == uint32(len(reply))
	}, time.Second, time.Millisecond)

	n = a.Receive(got)
	assert.Equal(reply, got[:n])

	assert.Zero(a.UnsentCount())
	assert.Zero(b.UnsentCount())
	assert.False(a.RxFaulted())
	assert.False(b.RxFaulted())
}

func Test_Port_SendTruncates(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()
	left, _ := net.Pipe()
	defer left.Close()

	cfg := NewDefaultConfig()
	cfg.TxBufferExponent = 3

	// Init without Run: nothing drains the transmit buffer.
	p := NewPort("p", left, cfg)
	assert.NoError(p.Init(ctx))

	// Usable space is 2^3-1; the rest is dropped without a fault, the
	// return value is the only signal.
	assert.Equal(7, p.Send([]byte("0123456789")))
	assert.Equal(uint32(7), p.UnsentCount())
	assert.False(p.TxFaulted())

	assert.False(p.ClearTx())
	assert.Zero(p.UnsentCount())
}

func Test_Port_RxOverrun(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()
	left, right := net.Pipe()

	cfg := NewDefaultConfig()
	cfg.RxBufferExponent = 3

	p := NewPort("p", left, cfg)
	assert.NoError(p.Init(ctx))

	p.Run(ctx)
	defer p.Stop()

	// Flood the peer end while nothing receives: the service loop keeps
	// pushing and the buffer overruns after 7 bytes.
	_, err := right.Write(make([]byte, 32))
	assert.NoError(err)

	assert.Eventually(p.RxFaulted, time.Second, time.Millisecond)
	assert.Equal(uint32(7), p.UnreadCount())

	assert.True(p.ClearRx())
	assert.Zero(p.UnreadCount())
	assert.False(p.RxFaulted())

	// The port stays usable after the overrun is acknowledged.
	_, err = right.Write([]byte("ok"))
	assert.NoError(err)

	assert.Eventually(func() bool {
		return p.UnreadCount() == 2
	}, time.Second, time.Millisecond)

	got := make([]byte, 8)
	n := p.Receive(got)
	assert.Equal([]byte("ok"), got[:n])
}

func Test_Port_StopUnblocksPendingRead(t *testing.T) {
	ctx := context.Background()

	a, b := newPipePorts(t, nil, nil)

	a.Run(ctx)
	b.Run(ctx)

	stopped := make(chan struct{})
	go func() {
		// Both service loops are blocked on an idle device; Stop must
		// still return by closing it.
		a.Stop()
		b.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock the service loops")
	}
}
