// Package recorder samples serbuf ports and inserts occupancy and fault
// rows into QuestDB over ILP.
package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	qdb "github.com/questdb/go-questdb-client/v3"

	"github.com/embedio/serbuf"
	"github.com/embedio/serbuf/internal"
)

const statsTable = "serial_port_stats"

// Recorder periodically writes one row per port with its queued byte
// counts and pending fault flags. The fault flags are observed without
// clearing them; acknowledging a fault stays with the port's consumer.
type Recorder struct {
	tel *internal.Telemetry

	cfg *Config

	ports []*serbuf.Port

	senderPool *qdb.LineSenderPool
	sender     qdb.LineSender

	running atomic.Bool
	stop    context.CancelFunc
	wg      sync.WaitGroup

	insertedRows atomic.Int64
}

func New(cfg *Config, ports ...*serbuf.Port) *Recorder {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}

	return &Recorder{
		tel: internal.NewTelemetry("recorder", "questdb"),

		cfg: cfg,

		ports: ports,
	}
}

func (r *Recorder) Init(ctx context.Context) error {
	senderPool, err := qdb.PoolFromOptions(
		qdb.WithAddress(r.cfg.Address),
		qdb.WithHttp(),
		qdb.WithRetryTimeout(time.Second),
	)
	if err != nil {
		return err
	}
	r.senderPool = senderPool

	sender, err := senderPool.Sender(ctx)
	if err != nil {
		return err
	}
	r.sender = sender

	r.tel.NewCounter("inserted_rows", func() int64 { return r.insertedRows.Load() })

	return nil
}

func (r *Recorder) Run(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.stop = cancel

	r.tel.LogInfo("running", "address", r.cfg.Address, "interval", r.cfg.Interval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.sample(ctx); err != nil {
					r.tel.LogError("failed to insert sample rows", err)
				}
			}
		}
	}()
}

func (r *Recorder) sample(ctx context.Context) error {
	ctx, span := r.tel.NewTrace(ctx, "record port samples")
	defer span.End()

	now := time.Now()

	for _, port := range r.ports {
		err := r.sender.Table(statsTable).
			Symbol("port", port.Name()).
			Int64Column("unsent", int64(port.UnsentCount())).
			Int64Column("unread", int64(port.UnreadCount())).
			BoolColumn("tx_fault", port.TxFaulted()).
			BoolColumn("rx_fault", port.RxFaulted()).
			At(ctx, now)
		if err != nil {
			return err
		}

		r.insertedRows.Add(1)
	}

	return r.sender.Flush(ctx)
}

func (r *Recorder) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}

	r.stop()
	r.wg.Wait()

	ctx := context.Background()

	if err := r.sender.Close(ctx); err != nil {
		r.tel.LogError("failed to close sender", err)
	}

	if err := r.senderPool.Close(ctx); err != nil {
		r.tel.LogError("failed to close sender pool", err)
	}

	r.tel.LogInfo("stopped")
}
