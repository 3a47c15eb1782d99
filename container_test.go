package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a scripted transport: every request is recorded and answered
// by the respond function.
type fakeConn struct {
	mu      sync.Mutex
	reqs    []*Message
	respond func(*Message) (*Message, error)
	closed  bool
}

func (f *fakeConn) Request(ctx context.Context, req *Message, match func(*Message) bool, timeout time.Duration) (*Message, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	fn := f.respond
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeConn) Send(req *Message) error { return nil }
func (f *fakeConn) Path() string            { return "fake" }

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) requests() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Message, len(f.reqs))
	copy(out, f.reqs)
	return out
}

// simDevice is one simulated peripheral slot.
type simDevice struct {
	features map[uint16]byte
	name     string
	typeCode byte
	unitID   []byte
	modelID  []byte
	serial   string
	battery  []byte
	legacy   bool
}

// simReceiver answers requests the way a real receiver with the configured
// slots would.
type simReceiver struct {
	devices map[byte]*simDevice
	noCount bool
}

func (s *simReceiver) respond(req *Message) (*Message, error) {
	ok := func(params ...byte) (*Message, error) {
		p := make([]byte, paramsLenLong)
		copy(p, params)
		return &Message{
			ReportID:    reportIDLong,
			DeviceIndex: req.DeviceIndex,
			SubID:       req.SubID,
			Address:     req.Address,
			Params:      p,
		}, nil
	}

	if req.DeviceIndex == indexReceiver {
		switch req.SubID {
		case subIDGetRegister:
			if req.Address == registerConnectionState && !s.noCount {
				return ok(0x00, byte(len(s.devices)))
			}
			return nil, errTimeout
		case subIDSetRegister:
			return ok()
		}
		return nil, errTimeout
	}

	d := s.devices[req.DeviceIndex]
	if d == nil {
		return nil, errTimeout
	}

	if req.SubID == 0x00 {
		switch req.FunctionID() {
		case 0x0:
			id := uint16(req.Params[0])<<8 | uint16(req.Params[1])
			return ok(d.features[id])
		case 0x1:
			if d.legacy {
				return nil, &hidppError{SubID: req.SubID, Address: req.Address, Code: 0x01}
			}
			return ok(0x00, 0x00, req.Params[2])
		}
		return nil, errTimeout
	}

	if fsIdx, present := d.features[featureSet]; present && req.SubID == fsIdx {
		switch req.FunctionID() {
		case 0x0:
			max := byte(0)
			for _, idx := range d.features {
				if idx > max {
					max = idx
				}
			}
			return ok(max)
		case 0x1:
			want := req.Params[0]
			for id, idx := range d.features {
				if idx == want {
					return ok(byte(id>>8), byte(id))
				}
			}
			return nil, &hidppError{SubID: req.SubID, Address: req.Address, Code: 0x02}
		}
	}

	if nameIdx, present := d.features[featureNameType]; present && req.SubID == nameIdx {
		switch req.FunctionID() {
		case 0x0:
			return ok(byte(len(d.name)))
		case 0x1:
			offset := int(req.Params[0])
			chunk := make([]byte, nameChunkSize)
			if offset < len(d.name) {
				copy(chunk, d.name[offset:])
			}
			return ok(chunk...)
		case 0x2:
			return ok(d.typeCode)
		}
	}

	if infoIdx, present := d.features[featureDeviceInfo]; present && req.SubID == infoIdx {
		switch req.FunctionID() {
		case 0x0:
			p := make([]byte, firmwareInfoMinLen)
			copy(p[1:5], d.unitID)
			copy(p[7:12], d.modelID)
			if d.serial != "" {
				p[14] = 0x01
			}
			return ok(p...)
		case 0x2:
			return ok([]byte(d.serial)...)
		}
	}

	for _, id := range []uint16{featureUnifiedLevel, featureVoltage, featureUnifiedBattery} {
		if idx, present := d.features[id]; present && req.SubID == idx {
			return ok(d.battery...)
		}
	}
	return nil, errTimeout
}

func fastProfiles() BackoffProfiles {
	p := defaultProfiles()
	quick := func(bp *BackoffProfile) {
		bp.InitialDelay = time.Millisecond
		bp.MaxDelay = time.Millisecond
		bp.InitialTimeout = 10 * time.Millisecond
		bp.MaxTimeout = 10 * time.Millisecond
		bp.MaxAttempts = 2
	}
	quick(&p.Init)
	quick(&p.Battery)
	quick(&p.Metadata)
	quick(&p.Features)
	quick(&p.Ping)
	quick(&p.Receiver)
	return p
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := defaultSettings()
	cfg.EventDelayAfterOnMS = 0
	cfg.RequeryDelayMS = 10
	m := newManager(&cfg)
	m.profiles = fastProfiles()
	t.Cleanup(m.cancel)
	return m
}

func newTestContainer(m *Manager, id string, sim *simReceiver) (*Container, *fakeConn) {
	c := newContainer(m, id)
	fc := &fakeConn{respond: sim.respond}
	c.attachConn(fc)
	return c, fc
}

func nextEvent(t *testing.T, m *Manager) DeviceEvent {
	t.Helper()
	select {
	case ev := <-m.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within a second")
		return DeviceEvent{}
	}
}

func assertNoEvent(t *testing.T, m *Manager, kind EventKind) {
	t.Helper()
	for {
		select {
		case ev := <-m.events:
			if ev.Kind == kind {
				t.Fatalf("unexpected %s event for %s", ev.Kind, ev.DeviceID)
			}
		default:
			return
		}
	}
}

func g502Sim() *simReceiver {
	return &simReceiver{devices: map[byte]*simDevice{
		1: {
			features: map[uint16]byte{
				featureSet:          1,
				featureDeviceInfo:   2,
				featureNameType:     3,
				featureUnifiedLevel: 4,
			},
			name:     "G502 X PLUS",
			typeCode: 0x03,
			unitID:   []byte{0x29, 0xD9, 0xD6, 0x0F},
			modelID:  []byte{0xB0, 0x25, 0x40, 0xAA, 0x00},
			serial:   "2007LZ17B6A",
			battery:  []byte{85, 0x02, 0x01},
		},
	}}
}

func TestInitializeDeviceEndToEnd(t *testing.T) {
	m := newTestManager(t)
	c, _ := newTestContainer(m, "A", g502Sim())

	c.table.CreateDevice(1, false)
	require.NoError(t, c.initializeDevice(context.Background(), 1))

	init := nextEvent(t, m)
	assert.Equal(t, EventInit, init.Kind)
	assert.Equal(t, "2007LZ17B6A", init.DeviceID)
	assert.Equal(t, "G502 X PLUS", init.Name)
	assert.True(t, init.HasBattery)
	assert.Equal(t, DeviceMouse, init.DeviceType)
	assert.NotEmpty(t, init.Signature)

	update := nextEvent(t, m)
	assert.Equal(t, EventUpdate, update.Kind)
	assert.Equal(t, "2007LZ17B6A", update.DeviceID)
	assert.Equal(t, 85, update.Percentage)
	assert.Equal(t, StatusCharging, update.Status)

	assert.True(t, c.table.IsInitialized(1))
	dev, _ := c.table.Get(1)
	assert.Equal(t, BatteryUnifiedLevel, dev.Battery)
	assert.Equal(t, byte(4), dev.BatteryIndex)
}

func TestInitializeDeviceFallsBackToUnitModelID(t *testing.T) {
	sim := g502Sim()
	sim.devices[1].serial = ""
	m := newTestManager(t)
	c, _ := newTestContainer(m, "A", sim)

	c.table.CreateDevice(1, false)
	require.NoError(t, c.initializeDevice(context.Background(), 1))

	init := nextEvent(t, m)
	assert.Equal(t, "29D9D60F-B02540AA00", init.DeviceID)
}

func TestInitializeDeviceDisabledByConfig(t *testing.T) {
	m := newTestManager(t)
	m.cfg.DisabledDevices = []string{"g502"}
	c, _ := newTestContainer(m, "A", g502Sim())

	c.table.CreateDevice(1, false)
	require.NoError(t, c.initializeDevice(context.Background(), 1))

	assert.Len(t, m.events, 0)
	assert.False(t, c.table.IsInitialized(1))
}

func TestInitializeDevicePre20Fails(t *testing.T) {
	sim := g502Sim()
	sim.devices[1].features[featureSet] = 0
	m := newTestManager(t)
	c, _ := newTestContainer(m, "A", sim)

	c.table.CreateDevice(1, false)
	err := c.initializeDevice(context.Background(), 1)
	assert.Error(t, err)
	assert.Len(t, m.events, 0)
}

func TestSetupFallbackInitializesResponders(t *testing.T) {
	// The receiver cannot report a device count; only slots 2 and 5 answer
	// pings. Setup must leave exactly those two fully initialized.
	sim := &simReceiver{
		noCount: true,
		devices: map[byte]*simDevice{
			2: {
				features: map[uint16]byte{
					featureSet: 1, featureDeviceInfo: 2, featureNameType: 3, featureUnifiedLevel: 4,
				},
				name:     "G502 X PLUS",
				typeCode: 0x03,
				unitID:   []byte{0x29, 0xD9, 0xD6, 0x0F},
				modelID:  []byte{0xB0, 0x25, 0x40, 0xAA, 0x00},
				serial:   "2007LZ17B6A",
				battery:  []byte{85, 0x02, 0x01},
			},
			5: {
				features: map[uint16]byte{
					featureSet: 1, featureDeviceInfo: 2, featureNameType: 3, featureVoltage: 4,
				},
				name:     "G PRO",
				typeCode: 0x00,
				unitID:   []byte{0x11, 0x22, 0x33, 0x44},
				modelID:  []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE},
				serial:   "9915GH02XYZ",
				battery:  []byte{0x0F, 0x82, 0x00},
			},
		},
	}
	m := newTestManager(t)
	c, _ := newTestContainer(m, "A", sim)

	c.setup()

	assert.Equal(t, 2, c.table.Len())
	assert.True(t, c.table.IsInitialized(2))
	assert.True(t, c.table.IsInitialized(5))

	byID := map[string]DeviceEvent{}
	for i := 0; i < 4; i++ {
		ev := nextEvent(t, m)
		if ev.Kind == EventInit {
			byID[ev.DeviceID] = ev
		}
	}
	require.Len(t, byID, 2)
	assert.Equal(t, "G502 X PLUS", byID["2007LZ17B6A"].Name)
	assert.Equal(t, DeviceMouse, byID["2007LZ17B6A"].DeviceType)
	assert.Equal(t, "G PRO", byID["9915GH02XYZ"].Name)
	assert.Equal(t, DeviceKeyboard, byID["9915GH02XYZ"].DeviceType)
}

func TestHandleBroadcastPublishesUpdate(t *testing.T) {
	m := newTestManager(t)
	c, _ := newTestContainer(m, "A", g502Sim())
	c.table.CreateDevice(1, false)
	c.table.Update(1, func(d *Device) {
		d.Identifier = "2007LZ17B6A"
		d.Battery = BatteryUnifiedLevel
		d.BatteryIndex = 4
	})

	params := make([]byte, paramsLenLong)
	copy(params, []byte{60, 0x02, 0x00})
	c.handleBroadcast(&Message{
		ReportID:    reportIDLong,
		DeviceIndex: 1,
		SubID:       4,
		Address:     0x00,
		Params:      params,
	})

	ev := nextEvent(t, m)
	assert.Equal(t, EventUpdate, ev.Kind)
	assert.Equal(t, 60, ev.Percentage)
	assert.Equal(t, StatusDischarging, ev.Status)
}

func TestHandleBroadcastIgnoresSolicitedResponses(t *testing.T) {
	m := newTestManager(t)
	c, _ := newTestContainer(m, "A", g502Sim())
	c.table.CreateDevice(1, false)
	c.table.Update(1, func(d *Device) {
		d.Identifier = "2007LZ17B6A"
		d.Battery = BatteryUnifiedLevel
		d.BatteryIndex = 4
	})

	params := make([]byte, paramsLenLong)
	copy(params, []byte{60, 0x02, 0x00})
	c.handleBroadcast(&Message{
		ReportID:    reportIDLong,
		DeviceIndex: 1,
		SubID:       4,
		Address:     0x0A,
		Params:      params,
	})
	assert.Len(t, m.events, 0, "a software id means a response, not a broadcast")
}

func TestHandleConnectOfflineMarksOffline(t *testing.T) {
	m := newTestManager(t)
	c, _ := newTestContainer(m, "A", g502Sim())
	c.table.CreateDevice(1, false)
	c.table.Update(1, func(d *Device) { d.Identifier = "X" })

	c.handleConnect(connectionEvent{SlotIndex: 1, Online: false})
	dev, ok := c.table.Get(1)
	require.True(t, ok)
	assert.False(t, dev.Online)
}

func TestHandleConnectInitializedRequeries(t *testing.T) {
	m := newTestManager(t)
	c, _ := newTestContainer(m, "A", g502Sim())
	c.table.CreateDevice(1, false)
	c.table.Update(1, func(d *Device) {
		d.Identifier = "2007LZ17B6A"
		d.Battery = BatteryUnifiedLevel
		d.BatteryIndex = 4
	})

	c.handleConnect(connectionEvent{SlotIndex: 1, Online: true})
	ev := nextEvent(t, m)
	assert.Equal(t, EventUpdate, ev.Kind)
	assert.Equal(t, 85, ev.Percentage)
}

func TestHandleConnectSamePidKeepsIdentity(t *testing.T) {
	m := newTestManager(t)
	c, _ := newTestContainer(m, "A", g502Sim())
	c.table.CreateDevice(1, false)
	c.table.Update(1, func(d *Device) {
		d.Identifier = "2007LZ17B6A"
		d.Battery = BatteryUnifiedLevel
		d.BatteryIndex = 4
		d.WirelessPID = 0x4099
	})

	c.handleConnect(connectionEvent{SlotIndex: 1, Online: true, WirelessPID: 0x4099})
	ev := nextEvent(t, m)
	assert.Equal(t, EventUpdate, ev.Kind)
	dev, _ := c.table.Get(1)
	assert.Equal(t, "2007LZ17B6A", dev.Identifier)
}

func TestHandleConnectReassignedSlotReplacesDevice(t *testing.T) {
	m := newTestManager(t)
	c, _ := newTestContainer(m, "A", g502Sim())
	c.table.CreateDevice(1, false)
	c.table.Update(1, func(d *Device) {
		d.Identifier = "OLD-MOUSE"
		d.Battery = BatteryUnifiedLevel
		d.BatteryIndex = 4
		d.WirelessPID = 0x4022
	})

	// Same slot announces with a different wireless product: the receiver
	// was re-paired, so the stale identity must be retired and the slot
	// brought up for the new device.
	c.handleConnect(connectionEvent{SlotIndex: 1, Online: true, WirelessPID: 0x4099})

	ev := nextEvent(t, m)
	require.Equal(t, EventRemove, ev.Kind)
	assert.Equal(t, "OLD-MOUSE", ev.DeviceID)
	assert.Equal(t, reasonSlotReassigned, ev.Reason)

	ev = nextEvent(t, m)
	require.Equal(t, EventInit, ev.Kind)
	assert.Equal(t, "2007LZ17B6A", ev.DeviceID)

	ev = nextEvent(t, m)
	assert.Equal(t, EventUpdate, ev.Kind)

	dev, ok := c.table.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint16(0x4099), dev.WirelessPID)
}

func TestHandleConnectNewSlotRecordsPid(t *testing.T) {
	m := newTestManager(t)
	c, _ := newTestContainer(m, "A", g502Sim())

	c.handleConnect(connectionEvent{SlotIndex: 1, Online: true, WirelessPID: 0x4099})
	nextEvent(t, m) // init
	nextEvent(t, m) // first battery reading

	dev, ok := c.table.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint16(0x4099), dev.WirelessPID)
}
