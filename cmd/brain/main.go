package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/ledbrain/internal/brain"
	"github.com/coreman2200/ledbrain/internal/config"
	diag "github.com/coreman2200/ledbrain/internal/diagnostics"
	"github.com/coreman2200/ledbrain/internal/framing"
	"github.com/coreman2200/ledbrain/internal/handoff"
	"github.com/coreman2200/ledbrain/internal/led"
	"github.com/coreman2200/ledbrain/internal/metrics"
	"github.com/coreman2200/ledbrain/internal/netif"
	"github.com/coreman2200/ledbrain/internal/ota"
	"github.com/coreman2200/ledbrain/internal/output"
	"github.com/coreman2200/ledbrain/internal/selftest"
	"github.com/coreman2200/ledbrain/internal/ws"
)

func main() {
	// ---- Flags (override config and environment when given) ----
	var (
		configPath = flag.String("config", "brain.yaml", "path to brain.yaml")
		envFile    = flag.String("env", ".env", "optional dotenv file with BRAIN_* overrides")
		driver     = flag.String("driver", "", "driver: nrz | console | sim")
		iface      = flag.String("iface", "", "network interface (default: first up with IPv4)")
		addr       = flag.String("http", "", "HTTP listen address for preview, health and metrics")
		panel      = flag.String("panel", "", "panel name announced in hello")
		testKind   = flag.String("selftest", "", "run a self test at startup: index_sweep | rgb_channels")
		logLevel   = flag.String("log-level", "", "debug | info | warn | error")
		logJSON    = flag.Bool("log-json", false, "log JSON instead of console output")
		simOnly    = flag.Bool("sim-only", false, "force simulation (no hardware output)")
	)
	flag.Parse()

	// ---- Logging ----
	zerolog.TimeFieldFormat = time.RFC3339
	if !*logJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}

	// ---- Config: defaults <- brain.yaml <- .env/environment <- flags ----
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", *configPath).Msg("config load failed; using defaults")
	}
	if err := config.ApplyEnv(cfg, *envFile); err != nil {
		log.Fatal().Err(err).Msg("environment overrides")
	}
	setIf(&cfg.Driver, *driver)
	setIf(&cfg.Interface, *iface)
	setIf(&cfg.HTTPAddr, *addr)
	setIf(&cfg.PanelName, *panel)
	setIf(&cfg.SelfTest, *testKind)
	setIf(&cfg.LogLevel, *logLevel)
	if *simOnly {
		cfg.Driver = "sim"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}
	order, err := led.ParseColorOrder(cfg.ColorOrder)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid color order")
	}

	// ---- Driver ----
	drv, selected := openDriver(cfg)
	hub := ws.NewHub(cfg.MaxLEDs, selected)
	preview := hub.Tap(drv)

	// ---- Pipeline ----
	state := framing.New(cfg.MaxLEDs)
	frames := handoff.New()
	frames.OnDrop(metrics.HandoffDroppedTotal.Inc)

	link := &netif.Host{Name: cfg.Interface, Port: cfg.ListenPort}
	var updater brain.Updater
	if cfg.OTA.Target != "" {
		updater = &ota.Updater{Target: cfg.OTA.Target, StagingDir: cfg.OTA.StagingDir, MaxBytes: cfg.OTA.MaxBytes}
	}
	sup, err := brain.New(brain.Options{
		BrainID:         cfg.BrainID,
		PanelName:       cfg.PanelName,
		FirmwareVersion: ota.Version(),
		Link:            link,
		State:           state,
		Frames:          frames,
		Updater:         updater,
		ControllerPort:  cfg.ControllerPort,
		LivenessTimeout: cfg.LivenessTimeout(),
		OnEvent:         hub.PushDiag,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("brain setup")
	}
	loop := &output.Loop{
		Driver: preview,
		Frames: frames,
		FPS:    cfg.FPS,
		Order:  order,
		Limiter: output.Limiter{
			WhiteCap: cfg.Power.WhiteCap,
			ChanMA:   cfg.Power.ChanMA,
			BudgetMA: cfg.Power.BudgetMA,
			Knee:     cfg.Power.Knee,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	runTest := func(kind string) error {
		k, err := selftest.ParseKind(kind)
		if err != nil {
			return err
		}
		if k == selftest.None || ctx.Err() != nil {
			return nil
		}
		r := selftest.NewRunner(selftest.Plan{Kind: k, Count: cfg.MaxLEDs, Cycles: 2})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(ctx, frames, 250*time.Millisecond); err == nil {
				hub.PushDiag(diag.Diagnostic{Severity: diag.Info, Code: diag.TestDone, Summary: "Test complete"})
			}
		}()
		return nil
	}
	hub.OnRunTest = runTest
	hub.Status = func() map[string]any {
		st := frames.Stats()
		return map[string]any{
			"brain_id":         sup.BrainID(),
			"firmware_version": ota.Version(),
			"link_up":          link.LinkUp(),
			"frames_published": st.Published,
			"frames_dropped":   st.Dropped,
		}
	}

	// ---- HTTP routes ----
	mux := http.NewServeMux()
	hub.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      withCORS(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ---- Run ----
	if err := runTest(cfg.SelfTest); err != nil {
		log.Warn().Err(err).Msg("startup self test skipped")
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil {
			log.Error().Err(err).Msg("brain stopped")
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("driver", selected).Str("brain_id", sup.BrainID()).
			Str("version", ota.Version()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server crashed")
		}
	}()

	// ---- Graceful shutdown ----
	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
	_ = drv.Close()
}

func openDriver(cfg *config.Config) (led.Driver, string) {
	switch cfg.Driver {
	case "nrz":
		freq := physic.Frequency(cfg.SPI.SpeedHz) * physic.Hertz
		drv, err := led.OpenNRZ(cfg.SPI.Dev, cfg.MaxLEDs, freq)
		if err != nil {
			log.Warn().Err(err).
				Str("driver", "nrz").
				Str("dev", cfg.SPI.Dev).
				Int("speed_hz", cfg.SPI.SpeedHz).
				Msg("SPI init failed; falling back to SIM")
			return led.NewSim(), "sim"
		}
		return drv, "nrz"
	case "console":
		return led.NewConsole(cfg.MaxLEDs), "console"
	}
	return led.NewSim(), "sim"
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		h.ServeHTTP(w, r)
	})
}
