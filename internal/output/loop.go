// Package output drives the LED strip at a fixed rate from the latest
// completed frame.
package output

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coreman2200/ledbrain/internal/handoff"
	"github.com/coreman2200/ledbrain/internal/led"
	"github.com/coreman2200/ledbrain/internal/metrics"
)

const DefaultFPS = 60

// Loop must only be driven from one goroutine.
type Loop struct {
	Driver  led.Driver
	Frames  *handoff.Mailbox
	FPS     int
	Order   led.ColorOrder
	Limiter Limiter

	last  []byte
	out   []byte
	frame uint32
}

// Run ticks until ctx is done. Write errors are logged and counted only.
func (l *Loop) Run(ctx context.Context) {
	fps := l.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	t := time.NewTicker(time.Second / time.Duration(fps))
	defer t.Stop()

	logger := log.With().Str("component", "output").Logger()
	logger.Info().Int("fps", fps).Str("order", l.order().String()).Msg("output loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if _, err := l.Tick(); err != nil {
			metrics.OutputWriteErrorsTotal.Inc()
			logger.Warn().Err(err).Msg("strip write failed")
		}
	}
}

func (l *Loop) order() led.ColorOrder {
	if l.Order == (led.ColorOrder{}) {
		return led.RGB
	}
	return l.Order
}

// Tick renders one frame: the newest handed-off pixels, or the previous ones
// again so dithering keeps moving. It reports whether the driver was written.
func (l *Loop) Tick() (bool, error) {
	start := time.Now()
	if f, ok := l.Frames.TakeLatest(); ok {
		l.last = f.Pixels
	}
	if l.last == nil {
		return false, nil
	}

	if cap(l.out) < len(l.last) {
		l.out = make([]byte, len(l.last))
	}
	l.out = l.out[:len(l.last)]

	l.frame++
	for i := 0; i+2 < len(l.last); i += 3 {
		px := uint32(i / 3)
		l.out[i] = led.CorrectDithered(l.last[i], l.frame, px)
		l.out[i+1] = led.CorrectDithered(l.last[i+1], l.frame, px)
		l.out[i+2] = led.CorrectDithered(l.last[i+2], l.frame, px)
	}
	if l.Limiter.Enabled() && l.Limiter.Apply(l.out) {
		metrics.PowerLimitedFramesTotal.Inc()
	}
	o := l.order()
	if o != led.RGB {
		for i := 0; i+2 < len(l.out); i += 3 {
			o.Apply(l.out[i:i+3], l.out[i], l.out[i+1], l.out[i+2])
		}
	}

	err := l.Driver.Write(l.out)
	metrics.OutputTickSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return true, err
	}
	metrics.OutputFramesTotal.Inc()
	return true, nil
}
