package main

import (
	"sync"
	"time"
)

// Device is one peripheral slot behind a receiver. Records live in a
// DeviceTable and are only ever touched under its lock; callers outside the
// table receive copies, never the live pointer.
type Device struct {
	Index          byte
	Identifier     string
	Name           string
	Type           DeviceType
	Features       map[uint16]byte
	Online         bool
	Disposed       bool
	WiredModeHint  bool
	WirelessPID    uint16
	Battery        BatteryVariant
	BatteryIndex   byte
	Signature      string
	LastReading    BatteryReading
	LastReadingAt  time.Time
	HasLastReading bool
}

// clone returns a deep copy safe to hand across the table boundary.
func (d *Device) clone() Device {
	c := *d
	if d.Features != nil {
		c.Features = make(map[uint16]byte, len(d.Features))
		for k, v := range d.Features {
			c.Features[k] = v
		}
	}
	return c
}

// initCooldown suppresses duplicate initialization of the same slot when
// the announcement path and the ping fallback race each other.
const initCooldown = 3 * time.Second

// DeviceTable is the per-container lifecycle manager: the slot→device
// mapping, the per-slot init cooldown, and at most one armed
// enumeration-complete signal. One mutex covers all three because
// announcement handling, fallback creation and disposal race from
// different goroutines.
type DeviceTable struct {
	mu       sync.Mutex
	devices  map[byte]*Device
	lastInit map[byte]time.Time

	pendingSignal chan struct{}
	pendingCount  int

	now func() time.Time
}

func newDeviceTable() *DeviceTable {
	return &DeviceTable{
		devices:  make(map[byte]*Device),
		lastInit: make(map[byte]time.Time),
		now:      time.Now,
	}
}

// CreateDevice inserts a fresh record at index, replacing any stale one.
// If an expected-count signal is armed and the table now meets its target,
// the signal completes exactly once.
func (t *DeviceTable) CreateDevice(index byte, wiredHint bool) Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := &Device{
		Index:         index,
		Type:          DeviceMouse,
		WiredModeHint: wiredHint,
		Online:        true,
	}
	t.devices[index] = d
	t.completePendingLocked(false)
	return d.clone()
}

// CreateDeviceIfAbsent inserts a fresh record at index only when the slot
// is empty, presence check and insert under one critical section. The
// announcement path and the fallback probe race on the same slot from
// different goroutines; whichever creates first wins, and the loser must
// never replace a record whose initialization may already be underway.
func (t *DeviceTable) CreateDeviceIfAbsent(index byte, wiredHint bool) (Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.devices[index]; ok {
		return existing.clone(), false
	}
	d := &Device{
		Index:         index,
		Type:          DeviceMouse,
		WiredModeHint: wiredHint,
		Online:        true,
	}
	t.devices[index] = d
	t.completePendingLocked(false)
	return d.clone(), true
}

// completePendingLocked fires the armed signal when the table has reached
// the target, or unconditionally on force (disposal). Closing the channel
// is the single-fulfillment: once fired, the slot is cleared so later
// creations cannot re-fire it.
func (t *DeviceTable) completePendingLocked(force bool) {
	if t.pendingSignal == nil {
		return
	}
	if !force && len(t.devices) < t.pendingCount {
		return
	}
	close(t.pendingSignal)
	t.pendingSignal = nil
	t.pendingCount = 0
}

// SetExpectedCount arms the enumeration-complete signal for count devices.
// If the table already meets the target (devices raced in before arming),
// the signal fires immediately. Any previously armed signal is completed
// first so its waiter is never stranded.
func (t *DeviceTable) SetExpectedCount(count int, signal chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completePendingLocked(true)
	t.pendingSignal = signal
	t.pendingCount = count
	t.completePendingLocked(false)
}

// ShouldInitialize gates slot initialization behind the cooldown. The first
// caller within the window wins and the timestamp is recorded; later
// callers are suppressed.
func (t *DeviceTable) ShouldInitialize(index byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.lastInit[index]; ok && now.Sub(last) < initCooldown {
		logger.Debug().Uint8("slot", index).Msg("init suppressed by cooldown")
		return false
	}
	t.lastInit[index] = now
	return true
}

// StampInit records an initialization attempt at index unconditionally,
// restarting the cooldown window. Used when a slot is rebuilt for a new
// device and the previous occupant's stamp must not suppress it.
func (t *DeviceTable) StampInit(index byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastInit[index] = t.now()
}

// IsInitialized reports whether the slot holds a usable device: identity
// resolved, not disposed, and online. A device whose polling was cancelled
// but that is still online counts as initialized.
func (t *DeviceTable) IsInitialized(index byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[index]
	return ok && d.Identifier != "" && !d.Disposed && d.Online
}

// Has reports whether a record exists at index.
func (t *DeviceTable) Has(index byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.devices[index]
	return ok
}

// Get returns a copy of the record at index.
func (t *DeviceTable) Get(index byte) (Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[index]
	if !ok {
		return Device{}, false
	}
	return d.clone(), true
}

// Update mutates the record at index under the table lock.
func (t *DeviceTable) Update(index byte, fn func(*Device)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[index]
	if !ok {
		return false
	}
	fn(d)
	return true
}

// Snapshot returns copies of all records.
func (t *DeviceTable) Snapshot() []Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d.clone())
	}
	return out
}

// Len returns the current table size.
func (t *DeviceTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.devices)
}

// DisposeAll force-completes any armed signal so no waiter hangs, marks
// every device disposed, and clears all state. Called on container removal
// and process shutdown.
func (t *DeviceTable) DisposeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completePendingLocked(true)
	for _, d := range t.devices {
		d.Disposed = true
		d.Online = false
	}
	t.devices = make(map[byte]*Device)
	t.lastInit = make(map[byte]time.Time)
}
