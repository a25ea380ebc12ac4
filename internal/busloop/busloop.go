// Package busloop runs the per-bus background polling loop: discovery,
// driver attachment, periodic reads, reconnection, rescan-with-backoff,
// stale-snapshot eviction, and graceful shutdown. One Loop exists per
// BusPath; GetInstance returns the process-wide singleton for a path.
package busloop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsense/i2csensors/internal/busmgr"
	"github.com/fieldsense/i2csensors/internal/config"
	"github.com/fieldsense/i2csensors/internal/detect"
	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/mux"
	"github.com/fieldsense/i2csensors/internal/sensor/as7341"
	"github.com/fieldsense/i2csensors/internal/sensor/as7343"
	"github.com/fieldsense/i2csensors/internal/sensor/sht40"
	"github.com/fieldsense/i2csensors/internal/snapshot"
	"github.com/fieldsense/i2csensors/internal/transport"
)

// scanAddr is a reserved pseudo-address (outside the valid 0x08-0x77
// window) the loop uses to keep the bus's file descriptor open for its
// entire lifetime, independent of any individual sensor's connect or
// disconnect. Every sensor and multiplexer on this BusPath then shares
// that one descriptor, exactly as the per-handle lock requires.
const scanAddr models.Address = 0x00

const (
	minIterationSpacing  = 50 * time.Millisecond
	maxReconnectFailures = 3
)

// boundSensor is the uniform surface the loop drives every concrete
// driver (AS7341, AS7343, SHT40) through.
type boundSensor interface {
	Connect(ctx context.Context) (bool, error)
	Disconnect()
	IsReady() bool
	UniqueID() string
	Kind() models.SensorKind
	ReadState(nowMs int64) (models.SensorState, bool)
}

type driverFactory func(tr transport.Transport, bm *busmgr.Manager, busPath models.BusPath, muxDriver *mux.Mux, channel models.Channel) boundSensor

var driverFactories = map[models.DeviceType]driverFactory{
	models.DeviceAS7341: newAS7341Bound,
	models.DeviceAS7343: newAS7343Bound,
	models.DeviceSHT40:  newSHT40Bound,
}

type as7341Bound struct{ *as7341.Driver }

func newAS7341Bound(tr transport.Transport, bm *busmgr.Manager, busPath models.BusPath, muxDriver *mux.Mux, channel models.Channel) boundSensor {
	return as7341Bound{as7341.New(tr, bm, busPath, muxDriver, channel)}
}
func (b as7341Bound) Kind() models.SensorKind { return models.KindAS7341 }
func (b as7341Bound) ReadState(nowMs int64) (models.SensorState, bool) {
	data, err := b.ReadData()
	state := b.GetSensorState(data, nowMs, err)
	return state, err == nil && len(data) > 0
}

type as7343Bound struct{ *as7343.Driver }

func newAS7343Bound(tr transport.Transport, bm *busmgr.Manager, busPath models.BusPath, muxDriver *mux.Mux, channel models.Channel) boundSensor {
	return as7343Bound{as7343.New(tr, bm, busPath, muxDriver, channel)}
}
func (b as7343Bound) Kind() models.SensorKind { return models.KindAS7343 }
func (b as7343Bound) ReadState(nowMs int64) (models.SensorState, bool) {
	data, err := b.ReadData()
	state := b.GetSensorState(data, nowMs, err)
	return state, err == nil && len(data) > 0
}

type sht40Bound struct{ *sht40.Driver }

func newSHT40Bound(tr transport.Transport, bm *busmgr.Manager, busPath models.BusPath, muxDriver *mux.Mux, channel models.Channel) boundSensor {
	return sht40Bound{sht40.New(tr, bm, busPath, muxDriver, channel)}
}
func (b sht40Bound) Kind() models.SensorKind { return models.KindSHT40 }
func (b sht40Bound) ReadState(nowMs int64) (models.SensorState, bool) {
	reading, err := b.Read()
	state := b.GetSensorState(reading, nowMs, err)
	return state, err == nil && reading.Valid
}

// Loop is one bus's background polling task.
type Loop struct {
	tr      transport.Transport
	bm      *busmgr.Manager
	busPath models.BusPath
	cfg     config.Config
	snap    *snapshot.Map
	log     *slog.Logger

	mu             sync.Mutex
	expectations   []models.Expectation
	sensors        []boundSensor
	muxes          []*mux.Mux
	reconnectSet   map[string]bool
	failCounts     map[string]int
	lastReadAt     map[string]time.Time
	rescanInterval time.Duration
	lastRescan     time.Time
	busHandle      models.FileHandle

	startOnce sync.Once
	started   bool
	cancelFn  context.CancelFunc
	done      chan struct{}
}

var (
	instancesMu sync.Mutex
	instances   = map[models.BusPath]*Loop{}
)

// GetInstance returns the process-wide singleton Loop for busPath,
// constructing it on first use.
func GetInstance(busPath models.BusPath, tr transport.Transport, bm *busmgr.Manager, cfg config.Config) *Loop {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	if l, ok := instances[busPath]; ok {
		return l
	}
	l := &Loop{
		tr:             tr,
		bm:             bm,
		busPath:        busPath,
		cfg:            cfg,
		snap:           snapshot.New(),
		log:            slog.Default().With("bus", busPath),
		reconnectSet:   make(map[string]bool),
		failCounts:     make(map[string]int),
		lastReadAt:     make(map[string]time.Time),
		rescanInterval: time.Duration(cfg.RescanIntervalMs) * time.Millisecond,
		done:           make(chan struct{}),
	}
	instances[busPath] = l
	return l
}

// All returns every process-wide Loop instance constructed so far, in
// no particular order. Used by the daemon to aggregate sensor state
// and route per-bus scans across however many buses are configured.
func All() []*Loop {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	out := make([]*Loop, 0, len(instances))
	for _, l := range instances {
		out = append(out, l)
	}
	return out
}

// BusPath returns the bus this loop is responsible for.
func (l *Loop) BusPath() models.BusPath { return l.busPath }

// Subscribe streams every sensor state update this loop publishes.
func (l *Loop) Subscribe(id string) <-chan models.SensorState { return l.snap.Subscribe(id) }

// Unsubscribe removes a subscription registered with Subscribe.
func (l *Loop) Unsubscribe(id string) { l.snap.Unsubscribe(id) }

// Expect sets the global Expectations list: the ordered kinds the loop
// should try to bind discovered sensors to.
func (l *Loop) Expect(kinds []models.SensorKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expectations = make([]models.Expectation, len(kinds))
	for i, k := range kinds {
		l.expectations[i] = models.Expectation{Kind: k}
	}
}

// Start is idempotent: the first call spawns the background goroutine;
// subsequent calls are no-ops.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		l.mu.Lock()
		l.cancelFn = cancel
		l.started = true
		l.mu.Unlock()
		go l.run(runCtx)
	})
}

// Cancel requests shutdown and blocks until the loop's cleanup
// sequence has completed. Idempotent; a no-op if Start was never
// called.
func (l *Loop) Cancel() {
	l.mu.Lock()
	cancel := l.cancelFn
	started := l.started
	l.mu.Unlock()
	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-l.done
}

// GetAllSensorState returns a point-in-time snapshot of every sensor
// this loop tracks.
func (l *Loop) GetAllSensorState() []models.SensorState {
	return l.snap.Snapshot()
}

// GetSensorState returns one sensor's most recent state.
func (l *Loop) GetSensorState(id string) (models.SensorState, bool) {
	return l.snap.Get(id)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer l.shutdown()

	h, err := l.bm.OpenBus(ctx, l.busPath, scanAddr)
	if err != nil {
		l.log.Error("failed to open bus", "err", err)
		return
	}
	l.busHandle = h

	l.initialScan(ctx)
	l.mu.Lock()
	l.lastRescan = time.Now()
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !l.pollPass(ctx) {
			return
		}
		l.reconnectSweep(ctx)
		l.evictStale()
		l.maybeRescan(ctx)
	}
}

func (l *Loop) iterationSpacing(n int) time.Duration {
	if n == 0 {
		spacing := time.Duration(l.cfg.UpdateIntervalMs) * time.Millisecond / 2
		if spacing < minIterationSpacing {
			spacing = minIterationSpacing
		}
		return spacing * 2
	}
	spacing := time.Duration(l.cfg.UpdateIntervalMs) * time.Millisecond / time.Duration(n+2)
	if spacing < minIterationSpacing {
		spacing = minIterationSpacing
	}
	return spacing
}

// pollPass runs one full pass over every tracked sensor: reconnect if
// not ready, skip if under its minimum read interval, else read and
// publish. Returns false if ctx was cancelled mid-pass.
func (l *Loop) pollPass(ctx context.Context) bool {
	l.mu.Lock()
	sensors := append([]boundSensor(nil), l.sensors...)
	l.mu.Unlock()

	spacing := l.iterationSpacing(len(sensors))
	readDelay := time.Duration(l.cfg.SensorReadDelayMs) * time.Millisecond

	if len(sensors) == 0 {
		// Nothing to poll this pass (bus present but empty, or every
		// sensor evicted) — still pace the loop by the doubled
		// iteration spacing so reconnectSweep/evictStale/maybeRescan
		// don't spin at 100% CPU with no work to do.
		return l.sleepOrDone(ctx, spacing)
	}

	for _, s := range sensors {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if !s.IsReady() {
			if ok, err := s.Connect(ctx); err != nil || !ok {
				l.markReconnect(s.UniqueID())
				if !l.sleepOrDone(ctx, spacing) {
					return false
				}
				continue
			}
		}

		if minInterval := l.cfg.MinReadInterval(s.Kind()); minInterval > 0 {
			l.mu.Lock()
			last := l.lastReadAt[s.UniqueID()]
			l.mu.Unlock()
			if !last.IsZero() && time.Since(last) < minInterval {
				if !l.sleepOrDone(ctx, spacing) {
					return false
				}
				continue
			}
		}

		state, ok := s.ReadState(time.Now().UnixMilli())
		if !ok {
			l.markReconnect(s.UniqueID())
		} else {
			l.snap.Put(state)
			l.mu.Lock()
			l.lastReadAt[s.UniqueID()] = time.Now()
			l.mu.Unlock()
		}

		if !l.sleepOrDone(ctx, readDelay) {
			return false
		}
	}
	return true
}

func (l *Loop) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (l *Loop) markReconnect(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnectSet[id] = true
}

func (l *Loop) findSensor(id string) boundSensor {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sensors {
		if s.UniqueID() == id {
			return s
		}
	}
	return nil
}

func (l *Loop) reconnectSweep(ctx context.Context) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.reconnectSet))
	for id := range l.reconnectSet {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		s := l.findSensor(id)
		if s == nil {
			l.mu.Lock()
			delete(l.reconnectSet, id)
			l.mu.Unlock()
			continue
		}

		s.Disconnect()
		ok, err := s.Connect(ctx)
		if err == nil && ok {
			l.mu.Lock()
			delete(l.reconnectSet, id)
			delete(l.failCounts, id)
			l.mu.Unlock()
			continue
		}

		l.mu.Lock()
		l.failCounts[id]++
		failed := l.failCounts[id]
		l.mu.Unlock()
		if failed >= maxReconnectFailures {
			l.evictSensor(id)
		}
	}
}

func (l *Loop) evictSensor(id string) {
	l.mu.Lock()
	for i, s := range l.sensors {
		if s.UniqueID() == id {
			l.sensors = append(l.sensors[:i], l.sensors[i+1:]...)
			break
		}
	}
	delete(l.reconnectSet, id)
	delete(l.failCounts, id)
	delete(l.lastReadAt, id)
	l.mu.Unlock()
	l.snap.Remove(id)
	l.log.Warn("sensor evicted after repeated reconnect failure", "id", id)
}

func (l *Loop) evictStale() {
	nowMs := time.Now().UnixMilli()
	evicted := l.snap.EvictStale(nowMs, l.cfg.StaleStateTimeoutMs)
	for _, id := range evicted {
		l.log.Debug("stale snapshot evicted", "id", id)
	}
}

func (l *Loop) maybeRescan(ctx context.Context) {
	l.mu.Lock()
	elapsed := time.Since(l.lastRescan)
	interval := l.rescanInterval
	reconnectPending := len(l.reconnectSet) > 0
	expectedCount := len(l.expectations)
	discoveredCount := len(l.sensors)
	l.mu.Unlock()

	if elapsed <= interval {
		return
	}
	if !reconnectPending && discoveredCount >= expectedCount {
		l.mu.Lock()
		l.lastRescan = time.Now()
		l.mu.Unlock()
		return
	}

	before := discoveredCount
	l.initialScan(ctx)

	l.mu.Lock()
	after := len(l.sensors)
	l.lastRescan = time.Now()
	if after <= before {
		next := time.Duration(float64(l.rescanInterval) * 1.1)
		if cap := time.Duration(l.cfg.MaxRescanIntervalMs) * time.Millisecond; next > cap {
			next = cap
		}
		l.rescanInterval = next
	} else {
		l.rescanInterval = time.Duration(l.cfg.RescanIntervalMs) * time.Millisecond
	}
	l.mu.Unlock()
}

// initialScan performs step 1/2 of the bus loop: scan the main bus,
// attach any multiplexers found, sweep their channels, and attach
// every recognized sensor, skipping ones already tracked.
func (l *Loop) initialScan(ctx context.Context) {
	cycleLog := l.log.With("scan_cycle", uuid.NewString())

	cfg := l.cfg.Scan
	cfg.IncludeMultiplexer = true
	result := detect.Perform(l.tr, l.busHandle, cfg)
	cycleLog.Debug("scan cycle complete", "devices_found", len(result.Devices))

	byAddr := make(map[models.Address]models.DeviceInfo, len(result.Devices))
	for _, d := range result.Devices {
		byAddr[d.Address] = d
	}

	l.mu.Lock()
	l.muxes = l.muxes[:0]
	l.mu.Unlock()

	for _, d := range byAddr {
		if d.DeviceType != models.DeviceTCA9548 {
			continue
		}
		m := mux.New(l.tr, l.busHandle, d.Address, mux.MaxChannels)
		if err := m.Initialize(); err != nil {
			cycleLog.Warn("multiplexer initialize failed", "addr", d.Address, "err", err)
			continue
		}
		l.mu.Lock()
		l.muxes = append(l.muxes, m)
		l.mu.Unlock()

		behind := m.ScanAllChannels(cfg, time.Now().UnixMilli())
		for ch, devices := range behind.Channels {
			for _, bd := range devices {
				if _, onMainBus := byAddr[bd.Address]; onMainBus {
					continue // main-bus device wins over one behind a multiplexer
				}
				bd.Channel = ch
				l.attachSensor(ctx, bd, m)
			}
		}
	}

	for _, d := range byAddr {
		if d.DeviceType == models.DeviceTCA9548 {
			continue
		}
		l.attachSensor(ctx, d, nil)
	}
}

func (l *Loop) hasSensor(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sensors {
		if s.UniqueID() == id {
			return true
		}
	}
	return false
}

// resolveDeviceType corrects detect's ambiguous 0x39 classification:
// the AS7341 and AS7343 share that address, so detect always reports
// DeviceAS7343 there. If an unbound Expectation asks for an AS7341,
// honor it for this device instead.
func (l *Loop) resolveDeviceType(deviceType models.DeviceType) models.DeviceType {
	if deviceType != models.DeviceAS7343 {
		return deviceType
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.expectations {
		if e.Bound == "" && e.Kind == models.KindAS7341 {
			return models.DeviceAS7341
		}
	}
	return models.DeviceAS7343
}

func (l *Loop) attachSensor(ctx context.Context, info models.DeviceInfo, muxDriver *mux.Mux) {
	deviceType := l.resolveDeviceType(info.DeviceType)
	factory, ok := driverFactories[deviceType]
	if !ok {
		return
	}
	id := models.SensorUniqueID(l.busPath, info.Channel, info.Address)
	if l.hasSensor(id) {
		return
	}

	bound := factory(l.tr, l.bm, l.busPath, muxDriver, info.Channel)
	ok2, err := bound.Connect(ctx)
	if err != nil || !ok2 {
		l.log.Warn("sensor connect failed during scan", "id", id, "err", err)
		return
	}

	l.mu.Lock()
	for i := range l.expectations {
		if l.expectations[i].Bound == "" && l.expectations[i].Kind == bound.Kind() {
			l.expectations[i].Bound = bound.UniqueID()
			break
		}
	}
	l.sensors = append(l.sensors, bound)
	l.mu.Unlock()
}

// shutdown implements step 7: disconnect every sensor, disable-all on
// every multiplexer, then force-close the bus regardless of any
// remaining reference. Each step is isolated so one failure doesn't
// prevent the rest.
func (l *Loop) shutdown() {
	l.mu.Lock()
	sensors := append([]boundSensor(nil), l.sensors...)
	muxes := append([]*mux.Mux(nil), l.muxes...)
	l.mu.Unlock()

	for _, s := range sensors {
		safely(func() { s.Disconnect() })
	}
	for _, m := range muxes {
		safely(func() { _ = m.DisableAll() })
	}
	safely(func() { l.bm.ForceClose(l.busPath) })
}

func safely(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
