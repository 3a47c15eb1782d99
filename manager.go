package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sstallion/go-hid"
)

// arrivalWindowSpan is how long a USB arrival stays relevant for wired-mode
// correlation.
const arrivalWindowSpan = 5 * time.Second

// UsbArrivalRecord is one raw arrival kept in the sliding correlation
// window. Used only as a mode-switch heuristic, never for identity.
type UsbArrivalRecord struct {
	At          time.Time
	ProductID   uint16
	ContainerID string
	Path        string
}

// arrivalWindow is the sliding 5-second record of USB arrivals, guarded by
// its own lock independent of any device table.
type arrivalWindow struct {
	mu      sync.Mutex
	span    time.Duration
	records []UsbArrivalRecord
	now     func() time.Time
}

func newArrivalWindow(span time.Duration) *arrivalWindow {
	return &arrivalWindow{span: span, now: time.Now}
}

func (w *arrivalWindow) Record(rec UsbArrivalRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	w.records = append(w.records, rec)
}

// Active reports whether any arrival sits inside the window.
func (w *arrivalWindow) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	return len(w.records) > 0
}

func (w *arrivalWindow) pruneLocked() {
	cutoff := w.now().Add(-w.span)
	kept := w.records[:0]
	for _, r := range w.records {
		if r.At.After(cutoff) {
			kept = append(kept, r)
		}
	}
	w.records = kept
}

// Manager is the top-level orchestrator: it groups HID paths into
// containers, drains the hotplug arrival queue on a single worker, decides
// which removals are real and which are wired/wireless mode switches, and
// owns the outward event channel feeding the IPC boundary. One Manager is
// constructed by main and injected everywhere; there is no ambient state.
type Manager struct {
	cfg      *Settings
	profiles BackoffProfiles

	events   chan DeviceEvent
	arrivals chan hid.DeviceInfo

	mu              sync.Mutex
	containers      map[string]*Container
	pathToContainer map[string]string

	window *arrivalWindow

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	watcher *hotplugWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newManager(cfg *Settings) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:             cfg,
		profiles:        cfg.backoffProfiles(),
		events:          make(chan DeviceEvent, 128),
		arrivals:        make(chan hid.DeviceInfo, 64),
		containers:      make(map[string]*Container),
		pathToContainer: make(map[string]string),
		window:          newArrivalWindow(arrivalWindowSpan),
		timers:          make(map[string]*time.Timer),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Events is the outward boundary consumed by the IPC layer.
func (m *Manager) Events() <-chan DeviceEvent { return m.events }

// Start launches the hotplug watcher, the arrival worker, and the poll
// loop.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.runWorker()
	go m.runPollLoop()
	m.watcher = newHotplugWatcher(m.cfg.rescanInterval(), m.handleArrival, m.handleRemoval)
	m.watcher.start()
}

// handleArrival runs on the watcher goroutine and must not block: enqueue
// only.
func (m *Manager) handleArrival(info hid.DeviceInfo) {
	select {
	case m.arrivals <- info:
	default:
		logger.Warn().Str("path", info.Path).Msg("arrival queue full, dropping device")
	}
}

// handleRemoval also runs on the watcher goroutine; container teardown is
// cheap enough to do inline because it never waits on the device.
func (m *Manager) handleRemoval(path string) {
	m.mu.Lock()
	cid, ok := m.pathToContainer[path]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pathToContainer, path)
	c := m.containers[cid]
	m.mu.Unlock()
	if c == nil {
		return
	}
	if c.removePath(path) {
		return
	}
	m.removeContainer(c, reasonReceiverRemoved)
}

// runWorker drains the arrival queue sequentially: open, group, set up.
// A misbehaving device stalls only the containers behind it in this queue,
// never already-running containers.
func (m *Manager) runWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case info := <-m.arrivals:
			m.attach(info)
		}
	}
}

// attach maps an arrived path to its container, creating and setting up the
// container on first sight.
func (m *Manager) attach(info hid.DeviceInfo) {
	if m.cfg.deviceDisabled(info.ProductStr) {
		logger.Info().Str("path", info.Path).Str("product", info.ProductStr).
			Msg("device disabled by configuration")
		return
	}
	cid := containerIDFor(&info)
	m.window.Record(UsbArrivalRecord{
		At:          time.Now(),
		ProductID:   info.ProductID,
		ContainerID: cid,
		Path:        info.Path,
	})

	m.mu.Lock()
	if _, seen := m.pathToContainer[info.Path]; seen {
		m.mu.Unlock()
		return
	}
	if c, ok := m.containers[cid]; ok {
		// Additional interface of a known container; track the path but
		// keep the transport we already have.
		m.pathToContainer[info.Path] = cid
		c.addPath(info.Path)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	c, err := openContainerFn(m, cid, info.Path)
	if err != nil {
		logger.Warn().Str("path", info.Path).Err(err).Msg("container open failed")
		return
	}
	c.addPath(info.Path)

	m.mu.Lock()
	m.pathToContainer[info.Path] = cid
	m.containers[cid] = c
	m.mu.Unlock()

	// A removal that fired while the container was being opened found no
	// path mapping and was dropped; re-check liveness now that the mapping
	// exists so that container cannot leak against a dead handle.
	if m.watcher != nil && !m.watcher.present(info.Path) {
		logger.Info().Str("container", cid).Str("path", info.Path).
			Msg("path vanished during container open, tearing down")
		m.removeContainer(c, reasonReceiverRemoved)
		return
	}

	logger.Info().Str("container", cid).Str("path", info.Path).Msg("container attached")
	c.setup()
}

// openContainerFn is swapped in tests to attach containers without a HID
// handle.
var openContainerFn = openContainer

// removeContainer tears a container down. For every device that completed
// initialization we first look for the same identifier alive on another
// container: if found, the removal is a mode switch and the offline signal
// is suppressed in favor of a prompt re-query on the surviving transport;
// otherwise a Remove event goes out.
func (m *Manager) removeContainer(c *Container, reason string) {
	m.mu.Lock()
	delete(m.containers, c.id)
	for path, cid := range m.pathToContainer {
		if cid == c.id {
			delete(m.pathToContainer, path)
		}
	}
	m.mu.Unlock()

	devices := c.table.Snapshot()
	c.table.DisposeAll()
	c.shutdown()

	for _, d := range devices {
		if d.Identifier == "" {
			continue
		}
		if alt, slot, ok := m.findAlternative(c.id, d.Identifier); ok {
			logger.Info().Str("container", c.id).Str("id", d.Identifier).
				Str("alternative", alt.id).
				Msg("suppressing removal, device reachable on another container")
			m.scheduleRequery(d.Identifier, alt, slot)
			continue
		}
		m.publish(DeviceEvent{Kind: EventRemove, DeviceID: d.Identifier, Reason: reason})
	}
	logger.Info().Str("container", c.id).Msg("container removed")
}

// findAlternative looks for an online, non-disposed device with the same
// identifier on any other container.
func (m *Manager) findAlternative(excludeID, identifier string) (*Container, byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cid, c := range m.containers {
		if cid == excludeID {
			continue
		}
		for _, d := range c.table.Snapshot() {
			if d.Identifier == identifier && d.Online && !d.Disposed {
				return c, d.Index, true
			}
		}
	}
	return nil, 0, false
}

// scheduleRequery arms a one-shot delayed battery refresh keyed by device
// identity, replacing any pending refresh for that key so only the latest
// transition wins.
func (m *Manager) scheduleRequery(identifier string, c *Container, slot byte) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if prev, ok := m.timers[identifier]; ok {
		prev.Stop()
	}
	m.timers[identifier] = time.AfterFunc(m.cfg.requeryDelay(), func() {
		m.timersMu.Lock()
		delete(m.timers, identifier)
		m.timersMu.Unlock()
		c.requerySlot(slot)
	})
}

// arrivalRecent reports whether any USB arrival sits in the correlation
// window, the wired-mode fast-track hint for new devices.
func (m *Manager) arrivalRecent() bool { return m.window.Active() }

// runPollLoop periodically refreshes battery state for every container.
func (m *Manager) runPollLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			cs := make([]*Container, 0, len(m.containers))
			for _, c := range m.containers {
				cs = append(cs, c)
			}
			m.mu.Unlock()
			for _, c := range cs {
				c.pollBatteries()
			}
		}
	}
}

// publish puts an event on the outward channel. The IPC consumer is
// expected to keep up; if it does not, we drop with a warning rather than
// stall device handling.
func (m *Manager) publish(ev DeviceEvent) {
	select {
	case m.events <- ev:
	default:
		logger.Warn().Str("id", ev.DeviceID).Stringer("kind", ev.Kind).
			Msg("event channel full, dropping event")
	}
}

// Stop tears everything down: every remaining device gets a Remove event,
// all pending timers are cancelled, and the event channel is closed.
func (m *Manager) Stop() {
	if m.watcher != nil {
		m.watcher.close()
	}

	m.mu.Lock()
	cs := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		cs = append(cs, c)
	}
	m.containers = make(map[string]*Container)
	m.pathToContainer = make(map[string]string)
	m.mu.Unlock()

	for _, c := range cs {
		for _, d := range c.table.Snapshot() {
			if d.Identifier != "" {
				m.publish(DeviceEvent{Kind: EventRemove, DeviceID: d.Identifier, Reason: reasonShutdown})
			}
		}
		c.table.DisposeAll()
		c.shutdown()
	}

	m.timersMu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.timersMu.Unlock()

	m.cancel()
	m.wg.Wait()
	close(m.events)
}

// containerIDFor resolves the opaque container id grouping multiple HID
// interfaces of one physical receiver. The serial number is stable across
// interfaces when present; otherwise the path (minus its interface/
// collection suffix, when recognizable) has to do.
func containerIDFor(info *hid.DeviceInfo) string {
	if info.SerialNbr != "" {
		return fmt.Sprintf("%04x:%s", info.ProductID, info.SerialNbr)
	}
	path := info.Path
	if i := strings.Index(strings.ToLower(path), "&col"); i > 0 {
		path = path[:i]
	}
	return fmt.Sprintf("%04x:%s", info.ProductID, path)
}
