package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// hidConn is the container's view of its transport. *Transport implements
// it over a real HID handle.
type hidConn interface {
	Request(ctx context.Context, req *Message, match func(*Message) bool, timeout time.Duration) (*Message, error)
	Send(req *Message) error
	Path() string
	Close()
}

// Container is one physical receiver (or a wired device acting as its own
// receiver): the transport handle, the device table for its 1-6 slots, and
// the goroutine that turns unsolicited reports into table mutations and
// outward events. Transport handles are owned exclusively by their
// container.
type Container struct {
	id    string
	mgr   *Manager
	conn  hidConn
	table *DeviceTable
	enum  *Enumerator

	pathsMu sync.Mutex
	paths   map[string]struct{}

	events chan *Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newContainer(mgr *Manager, id string) *Container {
	ctx, cancel := context.WithCancel(mgr.ctx)
	c := &Container{
		id:     id,
		mgr:    mgr,
		table:  newDeviceTable(),
		paths:  make(map[string]struct{}),
		events: make(chan *Message, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	c.wg.Add(1)
	go c.processEvents()
	return c
}

// openContainer creates a container bound to a real HID transport.
func openContainer(mgr *Manager, id, path string) (*Container, error) {
	c := newContainer(mgr, id)
	tr, err := openTransport(path, c.routeMessage)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("open container %s: %w", id, err)
	}
	c.attachConn(tr)
	return c, nil
}

// attachConn binds the transport and builds the enumerator around it.
func (c *Container) attachConn(conn hidConn) {
	c.conn = conn
	c.enum = &Enumerator{
		tr:        conn,
		table:     c.table,
		profiles:  c.mgr.profiles,
		wiredHint: c.mgr.arrivalRecent,
		initSlot:  c.initializeSlot,
	}
}

func (c *Container) addPath(path string) {
	c.pathsMu.Lock()
	c.paths[path] = struct{}{}
	c.pathsMu.Unlock()
}

// removePath drops a path and reports whether any remain.
func (c *Container) removePath(path string) bool {
	c.pathsMu.Lock()
	delete(c.paths, path)
	remaining := len(c.paths)
	c.pathsMu.Unlock()
	return remaining > 0
}

// routeMessage is invoked from the transport read loop and must never
// block: reports are handed to the event goroutine over a buffered channel
// and dropped with a log line on overflow.
func (c *Container) routeMessage(m *Message) {
	select {
	case c.events <- m:
	default:
		logger.Warn().Str("container", c.id).Msg("event channel full, dropping report")
	}
}

func (c *Container) processEvents() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.events:
			c.handleMessage(m)
		}
	}
}

// setup runs once after the container's first path arrives: turn on
// battery/wireless notifications, then discover paired devices.
func (c *Container) setup() {
	c.enableNotifications()
	c.enum.Discover(c.ctx)
}

// enableNotifications asks the receiver to push battery and wireless state
// changes. Wired devices without receiver registers reject this; that is
// fine, they announce through HID++ 2.0 events instead.
func (c *Container) enableNotifications() {
	_, ok := retry(c.ctx, c.mgr.profiles.Receiver, func(ctx context.Context, timeout time.Duration) (struct{}, bool) {
		req := setRegisterRequest(registerNotifications, notifyBatteryStatus, notifyWireless|notifySoftwarePresent, 0x00)
		_, err := c.conn.Request(ctx, req, matchRegisterResponse(req), timeout)
		return struct{}{}, err == nil
	})
	if !ok {
		logger.Debug().Str("container", c.id).Msg("wireless notification enable not acknowledged")
	}
}

func (c *Container) handleMessage(m *Message) {
	switch m.SubID {
	case subIDDeviceConnect:
		ev, ok := parseConnectionEvent(m)
		if !ok {
			return
		}
		c.handleConnect(ev)
	case subIDDeviceDisconnect:
		if m.DeviceIndex >= minSlotIndex && m.DeviceIndex <= maxSlotIndex {
			c.table.Update(m.DeviceIndex, func(d *Device) { d.Online = false })
		}
	default:
		c.handleBroadcast(m)
	}
}

// handleConnect reacts to a device announcement. Already-initialized slots
// just flip back online and get a fresh battery query; new slots are
// created and initialized after the configured settle delay.
func (c *Container) handleConnect(ev connectionEvent) {
	if !ev.Online {
		c.table.Update(ev.SlotIndex, func(d *Device) { d.Online = false })
		return
	}
	if c.table.IsInitialized(ev.SlotIndex) {
		if old, ok := c.table.Get(ev.SlotIndex); ok &&
			ev.WirelessPID != 0 && old.WirelessPID != 0 && old.WirelessPID != ev.WirelessPID {
			// The receiver re-paired this slot to a different product;
			// the record we hold describes a device that is gone.
			c.replaceSlot(ev, old)
			return
		}
		c.table.Update(ev.SlotIndex, func(d *Device) {
			d.Online = true
			if ev.WirelessPID != 0 {
				d.WirelessPID = ev.WirelessPID
			}
		})
		c.requerySlot(ev.SlotIndex)
		return
	}
	if c.table.Has(ev.SlotIndex) {
		c.table.Update(ev.SlotIndex, func(d *Device) {
			d.Online = true
			if ev.WirelessPID != 0 {
				d.WirelessPID = ev.WirelessPID
			}
		})
	} else {
		c.table.CreateDevice(ev.SlotIndex, c.mgr.arrivalRecent())
		c.table.Update(ev.SlotIndex, func(d *Device) { d.WirelessPID = ev.WirelessPID })
	}
	if !c.table.ShouldInitialize(ev.SlotIndex) {
		return
	}
	c.settleAndInitialize(ev.SlotIndex)
}

// replaceSlot retires the identity occupying a reassigned slot and builds
// the record for the newly paired device from scratch. The old occupant's
// cooldown stamp is overwritten so the fresh initialization is not
// suppressed.
func (c *Container) replaceSlot(ev connectionEvent, old Device) {
	logger.Info().Str("container", c.id).Uint8("slot", ev.SlotIndex).
		Str("id", old.Identifier).
		Uint16("oldPid", old.WirelessPID).Uint16("newPid", ev.WirelessPID).
		Msg("slot reassigned to a different device")
	if old.Identifier != "" {
		c.mgr.publish(DeviceEvent{Kind: EventRemove, DeviceID: old.Identifier, Reason: reasonSlotReassigned})
	}
	c.table.CreateDevice(ev.SlotIndex, c.mgr.arrivalRecent())
	c.table.Update(ev.SlotIndex, func(d *Device) { d.WirelessPID = ev.WirelessPID })
	c.table.StampInit(ev.SlotIndex)
	c.settleAndInitialize(ev.SlotIndex)
}

// settleAndInitialize waits out the configured settle delay, then runs the
// full identity and battery bring-up for the slot.
func (c *Container) settleAndInitialize(index byte) {
	if delay := c.mgr.cfg.eventDelayAfterOn(); delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	if err := c.initializeDevice(c.ctx, index); err != nil {
		logger.Warn().Str("container", c.id).Uint8("slot", index).Err(err).
			Msg("device initialization failed")
	}
}

// handleBroadcast routes unsolicited HID++ 2.0 feature events; the only
// ones we subscribe to are battery state changes on a device's selected
// battery feature.
func (c *Container) handleBroadcast(m *Message) {
	if m.DeviceIndex < minSlotIndex || m.DeviceIndex > maxSlotIndex {
		return
	}
	if m.SoftwareID() != 0 {
		// Response to some other software's request, not a broadcast.
		return
	}
	dev, ok := c.table.Get(m.DeviceIndex)
	if !ok || dev.Battery == BatteryUnsupported {
		return
	}
	reading, ok := dev.Battery.ParseEvent(m, dev.BatteryIndex)
	if !ok {
		return
	}
	c.recordReading(m.DeviceIndex, reading)
}

// initializeSlot is the enumerator's init sink; the cooldown gate lives
// here so the announcement and fallback paths share it.
func (c *Container) initializeSlot(ctx context.Context, index byte) error {
	if !c.table.ShouldInitialize(index) {
		return nil
	}
	return c.initializeDevice(ctx, index)
}

// initializeDevice resolves a slot's identity end to end: feature map,
// name, type, firmware info, serial, identifier, battery variant. On
// success it emits the Init event and takes a first battery reading.
func (c *Container) initializeDevice(ctx context.Context, index byte) error {
	features, err := c.enumerateFeatures(ctx, index)
	if err != nil {
		return err
	}

	md := &metadataClient{tr: c.conn, profiles: c.mgr.profiles}

	nameIdx, ok := features[featureNameType]
	if !ok {
		return fmt.Errorf("device %d: name/type feature not advertised", index)
	}
	name, err := md.deviceName(ctx, index, nameIdx)
	if err != nil {
		return err
	}
	if c.mgr.cfg.deviceDisabled(name) {
		logger.Info().Str("container", c.id).Str("name", name).Msg("device disabled by configuration")
		return nil
	}
	devType, err := md.deviceType(ctx, index, nameIdx)
	if err != nil {
		return err
	}

	var serial, unitID, modelID string
	if infoIdx, ok := features[featureDeviceInfo]; ok {
		fw, err := md.deviceFirmwareInfo(ctx, index, infoIdx)
		if err != nil {
			return err
		}
		unitID, modelID = fw.UnitID, fw.ModelID
		if fw.SerialSupported {
			if s, err := md.deviceSerialNumber(ctx, index, infoIdx); err == nil {
				serial = s
			} else {
				logger.Debug().Str("container", c.id).Uint8("slot", index).Err(err).
					Msg("serial query failed despite advertised support")
			}
		}
	}
	identifier := generateIdentifier(serial, unitID, modelID, name)

	variant, batteryIdx := selectBatteryVariant(features)
	signature := uuid.NewString()

	c.table.Update(index, func(d *Device) {
		d.Identifier = identifier
		d.Name = name
		d.Type = devType
		d.Features = features
		d.Battery = variant
		d.BatteryIndex = batteryIdx
		d.Signature = signature
		d.Online = true
	})

	logger.Info().Str("container", c.id).Uint8("slot", index).
		Str("id", identifier).Str("name", name).Stringer("battery", variant).
		Msg("device initialized")

	c.mgr.publish(DeviceEvent{
		Kind:       EventInit,
		DeviceID:   identifier,
		Name:       name,
		HasBattery: variant != BatteryUnsupported,
		DeviceType: devType,
		Signature:  signature,
	})

	if variant != BatteryUnsupported {
		c.requerySlot(index)
	}
	return nil
}

// enumerateFeatures walks the feature set: root lookup of the feature-set
// index, then an id read per index, building the id→index map used by
// every later feature call.
func (c *Container) enumerateFeatures(ctx context.Context, index byte) (map[uint16]byte, error) {
	fsIdx, ok := retry(ctx, c.mgr.profiles.Features, func(ctx context.Context, timeout time.Duration) (byte, bool) {
		req := featureRequest(index, 0x00, 0x0, byte(featureSet>>8), byte(featureSet))
		resp, err := c.conn.Request(ctx, req, matchFeatureResponse(req), timeout)
		if err != nil || len(resp.Params) < 1 {
			return 0, false
		}
		return resp.Params[0], true
	})
	if !ok {
		return nil, fmt.Errorf("device %d: feature set lookup failed", index)
	}
	if fsIdx == 0 {
		return nil, fmt.Errorf("device %d: no feature set (pre-2.0 device)", index)
	}

	count, ok := retry(ctx, c.mgr.profiles.Features, func(ctx context.Context, timeout time.Duration) (int, bool) {
		req := featureRequest(index, fsIdx, 0x0)
		resp, err := c.conn.Request(ctx, req, matchFeatureResponse(req), timeout)
		if err != nil || len(resp.Params) < 1 {
			return 0, false
		}
		return int(resp.Params[0]), true
	})
	if !ok {
		return nil, fmt.Errorf("device %d: feature count query failed", index)
	}

	features := map[uint16]byte{featureRoot: 0, featureSet: fsIdx}
	for i := 1; i <= count; i++ {
		id, ok := retry(ctx, c.mgr.profiles.Features, func(ctx context.Context, timeout time.Duration) (uint16, bool) {
			req := featureRequest(index, fsIdx, 0x1, byte(i))
			resp, err := c.conn.Request(ctx, req, matchFeatureResponse(req), timeout)
			if err != nil || len(resp.Params) < 2 {
				return 0, false
			}
			return uint16(resp.Params[0])<<8 | uint16(resp.Params[1]), true
		})
		if !ok {
			return nil, fmt.Errorf("device %d: feature id read at index %d failed", index, i)
		}
		features[id] = byte(i)
	}
	return features, nil
}

// requerySlot performs one battery query for the slot and publishes the
// result. Used for the initial reading, the post-announcement refresh, the
// poll loop, and the delayed mode-switch refresh.
func (c *Container) requerySlot(index byte) {
	dev, ok := c.table.Get(index)
	if !ok || dev.Battery == BatteryUnsupported || dev.Identifier == "" {
		return
	}
	reading, ok := retry(c.ctx, c.mgr.profiles.Battery, func(ctx context.Context, timeout time.Duration) (BatteryReading, bool) {
		return dev.Battery.Query(ctx, c.conn, index, dev.BatteryIndex, timeout)
	})
	if !ok {
		logger.Debug().Str("container", c.id).Uint8("slot", index).Msg("battery query yielded no reading")
		return
	}
	c.recordReading(index, reading)
}

// recordReading stores the sample on the record and publishes the Update.
func (c *Container) recordReading(index byte, reading BatteryReading) {
	var snapshot Device
	ok := c.table.Update(index, func(d *Device) {
		d.LastReading = reading
		d.LastReadingAt = c.table.now()
		d.HasLastReading = true
		snapshot = d.clone()
	})
	if !ok || snapshot.Identifier == "" {
		return
	}
	c.mgr.publish(DeviceEvent{
		Kind:       EventUpdate,
		DeviceID:   snapshot.Identifier,
		Percentage: reading.Percentage,
		Status:     reading.Status,
		Millivolts: reading.Millivolts,
		Timestamp:  snapshot.LastReadingAt,
		WiredMode:  snapshot.WiredModeHint,
	})
}

// pollBatteries refreshes every initialized slot. Serialized per container
// by the transport's single-in-flight lock.
func (c *Container) pollBatteries() {
	for _, d := range c.table.Snapshot() {
		if c.ctx.Err() != nil {
			return
		}
		if d.Identifier == "" || !d.Online || d.Disposed {
			continue
		}
		c.requerySlot(d.Index)
	}
}

// shutdown stops the event goroutine and closes the transport. The device
// table is disposed by the manager after it has decided which removals to
// emit.
func (c *Container) shutdown() {
	c.cancel()
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()
}
