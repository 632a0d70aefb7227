// Host self-test: two ports joined by an in-memory pipe, one pumping a
// rolling byte sequence and the other verifying it, until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/embedio/serbuf"
	"github.com/embedio/serbuf/recorder"
	"github.com/embedio/serbuf/telemetry"
)

func main() {
	questdbAddr := flag.String("questdb", "", "QuestDB ILP address; empty disables the recorder")
	flag.Parse()

	ctx, cancelCtx := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancelCtx()

	telemetry.Init(ctx, "serbuf-loopback")
	defer telemetry.Close()

	left, right := net.Pipe()

	sender := serbuf.NewPort("sender", left, serbuf.NewDefaultConfig())
	echo := serbuf.NewPort("echo", right, serbuf.NewDefaultConfig())

	if err := sender.Init(ctx); err != nil {
		panic(err)
	}
	if err := echo.Init(ctx); err != nil {
		panic(err)
	}

	sender.Run(ctx)
	defer sender.Stop()

	echo.Run(ctx)
	defer echo.Stop()

	if *questdbAddr != "" {
		recCfg := recorder.NewDefaultConfig()
		recCfg.Address = *questdbAddr

		rec := recorder.New(recCfg, sender, echo)
		if err := rec.Init(ctx); err != nil {
			panic(err)
		}

		rec.Run(ctx)
		defer rec.Stop()
	}

	go pump(ctx, sender)
	go verify(ctx, echo)

	<-ctx.Done()
}

// pump sends a rolling 0..255 byte sequence, as much as the transmit
// buffer accepts each round.
func pump(ctx context.Context, port *serbuf.Port) {
	chunk := make([]byte, 48)
	next := byte(0)

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for i := range chunk {
			chunk[i] = next + byte(i)
		}

		// A short send just re-sends the remainder next round.
		next += byte(port.Send(chunk))
	}
}

// verify drains the peer port and checks the sequence survived both
// buffer pairs intact.
func verify(ctx context.Context, port *serbuf.Port) {
	chunk := make([]byte, 48)
	expected := byte(0)
	total := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-port.Readable():
		}

		for {
			n := port.Receive(chunk)
			if n == 0 {
				break
			}

			for _, b := range chunk[:n] {
				if b != expected {
					slog.Error("sequence mismatch", "want", expected, "got", b, "total", total)
					expected = b
				}
				expected++
				total++
			}
		}

		if port.RxFaulted() {
			// The next received byte re-syncs the expected sequence.
			slog.Warn("receive overrun", "dropped_after", total)
			port.ClearRx()
		}
	}
}
