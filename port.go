package serbuf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/embedio/serbuf/internal"
)

// Port is a duplex serial endpoint built on two ring buffers, one per
// direction. The application side calls Send and Receive; two service
// goroutines started by Run stand in for the transmit/receive interrupt
// handlers of a hardware driver and move bytes between the buffers and
// the device.
//
// On the transmit buffer the application is the producer and the service
// loop the consumer; on the receive buffer the roles are swapped. The
// SPSC contract of [RingBuffer] therefore requires a single goroutine on
// the application side of each direction.
type Port struct {
	tel   *internal.Telemetry
	stats *internal.Stats

	cfg *Config

	name string
	dev  io.ReadWriter

	tx *RingBuffer[byte]
	rx *RingBuffer[byte]

	// txKick wakes the transmit loop. The loop goes idle once the
	// transmit buffer drains, the analog of disabling the TX-empty
	// interrupt; Send re-arms it through this channel.
	txKick chan struct{}

	// rxNotify is the coalesced data-available signal for Receive
	// callers. Receivers must re-check UnreadCount after waking.
	rxNotify chan struct{}

	running atomic.Bool
	stop    context.CancelFunc
	wg      sync.WaitGroup

	txBytes    atomic.Int64
	rxBytes    atomic.Int64
	rxOverruns atomic.Int64
}

// NewPort creates a port over the given device. A nil cfg selects the
// defaults.
func NewPort(name string, dev io.ReadWriter, cfg *Config) *Port {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}

	tel := internal.NewTelemetry("port", name)

	return &Port{
		tel:   tel,
		stats: internal.NewStats(tel.Logger()),

		cfg: cfg,

		name: name,
		dev:  dev,

		txKick:   make(chan struct{}, 1),
		rxNotify: make(chan struct{}, 1),
	}
}

func (p *Port) Name() string {
	return p.name
}

func (p *Port) Init(_ context.Context) error {
	if p.dev == nil {
		return errors.New("port: nil device")
	}

	if p.cfg.TxBufferExponent < 0 || p.cfg.TxBufferExponent > MaxExponent {
		return fmt.Errorf("port: tx buffer exponent %d out of range [0, %d]", p.cfg.TxBufferExponent, MaxExponent)
	}
	if p.cfg.RxBufferExponent < 0 || p.cfg.RxBufferExponent > MaxExponent {
		return fmt.Errorf("port: rx buffer exponent %d out of range [0, %d]", p.cfg.RxBufferExponent, MaxExponent)
	}
	if p.cfg.ReadChunkSize <= 0 {
		return fmt.Errorf("port: read chunk size %d must be positive", p.cfg.ReadChunkSize)
	}

	p.tx = NewRingBuffer[byte](p.cfg.TxBufferExponent)
	p.rx = NewRingBuffer[byte](p.cfg.RxBufferExponent)

	p.initMetrics()

	return nil
}

func (p *Port) initMetrics() {
	p.tel.NewCounter("tx_bytes", func() int64 { return p.txBytes.Load() })
	p.tel.NewCounter("rx_bytes", func() int64 { return p.rxBytes.Load() })
	p.tel.NewCounter("rx_overruns", func() int64 { return p.rxOverruns.Load() })
	p.tel.NewGauge("unsent", func() int64 { return int64(p.tx.Len()) })
	p.tel.NewGauge("unread", func() int64 { return int64(p.rx.Len()) })
}

// Run starts the service goroutines. It must be called after Init.
func (p *Port) Run(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.stop = cancel

	p.tel.LogInfo("running", "tx_capacity", p.tx.Cap(), "rx_capacity", p.rx.Cap())

	p.wg.Add(3)

	go func() {
		defer p.wg.Done()
		p.stats.RunStats(ctx)
	}()

	go func() {
		defer p.wg.Done()
		p.runTx(ctx)
	}()

	go func() {
		defer p.wg.Done()
		p.runRx(ctx)
	}()
}

// Stop cancels the service goroutines and waits for them. When the device
// implements io.Closer it is closed to unblock a pending read.
func (p *Port) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}

	p.stop()

	if closer, ok := p.dev.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			p.tel.LogWarn("device close failed", "reason", err)
		}
	}

	p.wg.Wait()

	p.tel.LogInfo("stopped")
}

func (p *Port) runTx(ctx context.Context) {
	chunk := make([]byte, p.cfg.ReadChunkSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.txKick:
		}

		// Drain until empty, the analog of keeping the TX-empty
		// interrupt armed while data is pending.
		for {
			n := p.tx.PopFront(chunk)
			if n == 0 {
				break
			}

			if _, err := p.dev.Write(chunk[:n]); err != nil {
				if ctx.Err() == nil && !isDeviceGone(err) {
					p.tel.LogError("device write failed", err)
				}
				return
			}

			p.txBytes.Add(int64(n))
			p.stats.IncrementTransferCount()
			p.stats.IncrementByteCountBy(n)
		}
	}
}

func (p *Port) runRx(ctx context.Context) {
	chunk := make([]byte, p.cfg.ReadChunkSize)

	for {
		n, err := p.dev.Read(chunk)

		for _, b := range chunk[:n] {
			// Push unconditionally: a full receive buffer drops the
			// byte and latches the fault, like a hardware overrun.
			if !p.rx.TryPush(b) {
				p.rxOverruns.Add(1)
			}
		}

		if n > 0 {
			p.rxBytes.Add(int64(n))
			p.stats.IncrementTransferCount()
			p.stats.IncrementByteCountBy(n)
			p.notifyReadable()
		}

		if err != nil {
			if ctx.Err() == nil && !isDeviceGone(err) {
				p.tel.LogError("device read failed", err)
			}
			return
		}
	}
}

func (p *Port) notifyReadable() {
	select {
	case p.rxNotify <- struct{}{}:
	default:
	}
}

func isDeviceGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

// Send copies data into the transmit buffer and wakes the transmit loop.
// It returns the number of bytes accepted, which is less than len(data)
// when the buffer cannot hold the rest. Send never blocks.
func (p *Port) Send(data []byte) int {
	n := p.tx.PushBack(data)
	if n > 0 {
		select {
		case p.txKick <- struct{}{}:
		default:
		}
	}
	return n
}

// Receive copies up to len(data) received bytes into data and returns the
// number copied. Receive never blocks; use Readable to wait for data.
func (p *Port) Receive(data []byte) int {
	return p.rx.PopFront(data)
}

// UnsentCount returns the number of bytes queued but not yet written to
// the device.
func (p *Port) UnsentCount() uint32 {
	return p.tx.Len()
}

// UnreadCount returns the number of received bytes not yet read.
func (p *Port) UnreadCount() uint32 {
	return p.rx.Len()
}

// TxFaulted reports a pending transmit overflow without clearing it.
func (p *Port) TxFaulted() bool {
	return p.tx.Faulted()
}

// RxFaulted reports a pending receive overrun without clearing it.
func (p *Port) RxFaulted() bool {
	return p.rx.Faulted()
}

// ClearTx discards unsent data and reports whether a transmit overflow
// happened since the last clear. Bytes already handed to the device
// cannot be recalled.
func (p *Port) ClearTx() bool {
	return p.tx.CheckAndClearFault(true)
}

// ClearRx discards unread data and reports whether a receive overrun
// happened since the last clear.
func (p *Port) ClearRx() bool {
	return p.rx.CheckAndClearFault(true)
}

// Readable returns a coalesced notification for received data. A service
// loop read that enqueues one or more bytes sends on this channel; callers
// must re-check UnreadCount after waking.
func (p *Port) Readable() <-chan struct{} {
	return p.rxNotify
}
