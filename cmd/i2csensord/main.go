// Command i2csensord is the I²C sensor coordination daemon: it scans
// one or more buses for spectral and humidity/temperature sensors,
// polls them continuously, and serves the aggregated snapshot over
// HTTP. Run with --mock to use a simulated bus (no I²C adapter
// required).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/fieldsense/i2csensors/internal/api"
	"github.com/fieldsense/i2csensors/internal/busloop"
	"github.com/fieldsense/i2csensors/internal/busmgr"
	"github.com/fieldsense/i2csensors/internal/config"
	"github.com/fieldsense/i2csensors/internal/detect"
	"github.com/fieldsense/i2csensors/internal/identity"
	"github.com/fieldsense/i2csensors/internal/maintenance"
	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/transport"
	"github.com/fieldsense/i2csensors/internal/transport/simulate"
	"github.com/fieldsense/i2csensors/internal/watchdog"
	"github.com/fieldsense/i2csensors/internal/zeroconf"
)

// apiScanAddr is the pseudo-address ad hoc /scan requests open the bus
// under. Distinct from busloop's own scanAddr (0x00) so an ad hoc scan
// never collides with a bus loop already holding that bus open.
const apiScanAddr models.Address = 0x01

func main() {
	var (
		mock      = flag.Bool("mock", false, "use a simulated bus (no I2C adapter required)")
		addr      = flag.String("addr", ":8090", "HTTP listen address")
		cfgDir    = flag.String("config-dir", "", "config directory (default: ~/.config/i2csensord)")
		busesFlag = flag.String("buses", "", "comma-separated bus device paths, e.g. /dev/i2c-1,/dev/i2c-3 (default: auto-discover /dev/i2c-0..7)")
		expect    = flag.String("expect", "", "comma-separated sensor kinds every bus should expect, e.g. as7341,sht40")
		debug     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if *cfgDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("cannot determine home directory", "err", err)
			os.Exit(1)
		}
		*cfgDir = home + "/.config/i2csensord"
	}
	if err := os.MkdirAll(*cfgDir, 0755); err != nil {
		slog.Error("cannot create config directory", "path", *cfgDir, "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := config.NewJSONStore(*cfgDir)
	cfg, err := store.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	var tr transport.Transport
	var buses []models.BusPath
	if *mock {
		slog.Info("using simulated bus transport")
		sim := simulate.New()
		tr = sim
		buses = mockBuses(sim)
	} else {
		slog.Info("using real I2C bus transport")
		tr = transport.NewLinux(rate.NewLimiter(rate.Limit(200), 10))
		buses = resolveBuses(*busesFlag)
	}
	if len(buses) == 0 {
		slog.Warn("no buses configured or discovered; daemon will serve an empty snapshot")
	}

	bm := busmgr.New(tr)

	var expectKinds []models.SensorKind
	if *expect != "" {
		expectKinds = parseKinds(*expect)
	}

	var watchers []*watchdog.Watcher
	for _, bp := range buses {
		loop := busloop.GetInstance(bp, tr, bm, cfg)
		if len(expectKinds) > 0 {
			loop.Expect(expectKinds)
		}
		loop.Start(ctx)
		slog.Info("bus loop started", "bus", bp)

		bp := bp
		w := watchdog.New(string(bp), func(present bool) {
			slog.Info("bus presence changed", "bus", bp, "present", present)
		})
		watchers = append(watchers, w)
	}
	defer func() {
		for _, w := range watchers {
			w.Close()
		}
	}()

	busStrs := make([]string, len(buses))
	for i, bp := range buses {
		busStrs[i] = string(bp)
	}
	maint := maintenance.New(*cfgDir, busStrs, 30*time.Second,
		func(bus string, present bool) {
			slog.Debug("maintenance: bus presence poll", "bus", bus, "present", present)
		},
		func(nowMs int64) {
			count := 0
			for _, l := range busloop.All() {
				count += len(l.GetAllSensorState())
			}
			slog.Info("maintenance: status", "buses", len(busloop.All()), "sensors_tracked", count)
		},
	)
	go maint.Start(ctx)

	backend := &apiBackend{bm: bm, tr: tr, subs: make(map[string]*fanIn)}
	router := api.NewRouter(backend, backend, backend)

	hostname := identity.GetHostname()
	port := 8090
	if parts := strings.SplitN(*addr, ":", 2); len(parts) == 2 && parts[1] != "" {
		if p, err := strconv.Atoi(parts[1]); err == nil {
			port = p
		}
	}
	zc := zeroconf.New(hostname, port)
	go func() {
		if err := zc.Start(ctx); err != nil {
			slog.Warn("zeroconf failed", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		slog.Info("i2csensord listening", "addr", *addr, "mock", *mock, "buses", buses)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	for _, bp := range buses {
		busloop.GetInstance(bp, tr, bm, cfg).Cancel()
	}

	if err := store.Flush(); err != nil {
		slog.Warn("failed to flush config", "err", err)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}

	slog.Info("shutdown complete")
}

// resolveBuses returns busesFlag split on commas, or — if empty — every
// /dev/i2c-N in 0..7 that identity.StatPresence reports as present.
func resolveBuses(busesFlag string) []models.BusPath {
	if busesFlag != "" {
		var out []models.BusPath
		for _, s := range strings.Split(busesFlag, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, models.BusPath(s))
			}
		}
		return out
	}

	var out []models.BusPath
	presence := identity.StatPresence{}
	for n := 0; n <= 7; n++ {
		path := "/dev/i2c-" + strconv.Itoa(n)
		if presence.Present(path) {
			out = append(out, models.BusPath(path))
		}
	}
	return out
}

// mockBuses returns the bus path --mock operates against. The
// Simulator starts with no devices attached; operators add them via
// its AddDevice API in-process (e.g. from a test harness embedding
// this daemon) rather than from flags.
func mockBuses(sim *simulate.Simulator) []models.BusPath {
	_ = sim
	return []models.BusPath{"/dev/i2c-1"}
}

func parseKinds(s string) []models.SensorKind {
	var out []models.SensorKind
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "as7341":
			out = append(out, models.KindAS7341)
		case "as7343":
			out = append(out, models.KindAS7343)
		case "sht40":
			out = append(out, models.KindSHT40)
		}
	}
	return out
}

// apiBackend aggregates every running bus loop into the registry and
// scanner interfaces the HTTP API depends on.
type apiBackend struct {
	bm *busmgr.Manager
	tr transport.Transport

	subMu sync.Mutex
	subs  map[string]*fanIn
}

func (a *apiBackend) AllSensorState() map[string]models.SensorState {
	out := make(map[string]models.SensorState)
	for _, l := range busloop.All() {
		for _, s := range l.GetAllSensorState() {
			out[s.SensorID] = s
		}
	}
	return out
}

func (a *apiBackend) SensorState(id string) (models.SensorState, bool) {
	for _, l := range busloop.All() {
		if s, ok := l.GetSensorState(id); ok {
			return s, true
		}
	}
	return models.SensorState{}, false
}

func (a *apiBackend) Scan(busPath models.BusPath) (detect.Result, error) {
	h, err := a.bm.OpenBus(context.Background(), busPath, apiScanAddr)
	if err != nil {
		return detect.Result{}, err
	}
	defer a.bm.CloseBus(busPath, apiScanAddr)
	return detect.Perform(a.tr, h, models.DefaultScanConfig()), nil
}

// Subscribe fans every running bus loop's state updates into one
// channel for id. Unsubscribe tears the fan-in down again.
func (a *apiBackend) Subscribe(id string) <-chan models.SensorState {
	loops := busloop.All()
	out := make(chan models.SensorState, subBufferSize*len(loops)+1)
	stop := make(chan struct{})

	a.subMu.Lock()
	a.subs[id] = &fanIn{loops: loops, stop: stop}
	a.subMu.Unlock()

	for _, l := range loops {
		l := l
		ch := l.Subscribe(id)
		go func() {
			for {
				select {
				case <-stop:
					return
				case s, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- s:
					default:
					}
				}
			}
		}()
	}
	return out
}

func (a *apiBackend) Unsubscribe(id string) {
	a.subMu.Lock()
	f, ok := a.subs[id]
	delete(a.subs, id)
	a.subMu.Unlock()
	if !ok {
		return
	}
	close(f.stop)
	for _, l := range f.loops {
		l.Unsubscribe(id)
	}
}

// fanIn tracks the loops and relay goroutines backing one Subscribe id.
type fanIn struct {
	loops []*busloop.Loop
	stop  chan struct{}
}

const subBufferSize = 8
