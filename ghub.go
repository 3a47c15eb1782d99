package main

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GHub message paths we speak. The payload shapes follow what the desktop
// application serves; they are not standardized here and parsing is
// deliberately lenient.
const (
	ghubPathDevicesList   = "/devices/list"
	ghubPathBatteryChange = "/battery/state/changed"
)

type ghubMessage struct {
	MsgID   string          `json:"msgId"`
	Verb    string          `json:"verb"`
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ghubDeviceInfo struct {
	ID                  string `json:"id"`
	ExtendedDisplayName string `json:"extendedDisplayName"`
	DisplayName         string `json:"displayName"`
	DeviceType          string `json:"deviceType"`
	Capabilities        struct {
		HasBatteryStatus bool `json:"hasBatteryStatus"`
	} `json:"capabilities"`
}

type ghubDeviceList struct {
	DeviceInfos []ghubDeviceInfo `json:"deviceInfos"`
}

type ghubBatteryState struct {
	DeviceID   string  `json:"deviceId"`
	Percentage float64 `json:"percentage"`
	Charging   bool    `json:"charging"`
	Mileage    float64 `json:"mileage"`
}

// GHubClient mirrors battery state published by the companion desktop
// application into the same outward event stream the HID++ engine feeds.
// Devices surfaced this way are keyed "ghub:<id>" so they never collide
// with identifiers resolved over the wire protocol.
type GHubClient struct {
	url     string
	publish func(DeviceEvent)
	backoff BackoffProfile

	mu    sync.Mutex
	known map[string]ghubDeviceInfo

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newGHubClient(url string, backoff BackoffProfile, publish func(DeviceEvent)) *GHubClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &GHubClient{
		url:     url,
		publish: publish,
		backoff: backoff,
		known:   make(map[string]ghubDeviceInfo),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (g *GHubClient) Start() {
	go g.run()
}

func (g *GHubClient) Stop() {
	g.cancel()
	<-g.done
}

// run is the reconnect loop: dial, serve the session until it drops, mark
// every mirrored device disconnected, back off, repeat.
func (g *GHubClient) run() {
	defer close(g.done)
	bo := g.backoff.newBackOff()
	for {
		if g.ctx.Err() != nil {
			return
		}
		conn, err := g.dial()
		if err != nil {
			logger.Debug().Str("url", g.url).Err(err).Msg("ghub dial failed")
			t := time.NewTimer(bo.NextBackOff())
			select {
			case <-g.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		bo.Reset()
		logger.Info().Str("url", g.url).Msg("ghub connected")
		g.serve(conn)
		_ = conn.Close()
		g.dropAll()
	}
}

func (g *GHubClient) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"json"},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(g.ctx, g.url, nil)
	return conn, err
}

// serve subscribes and pumps messages until the socket errors or the
// client stops.
func (g *GHubClient) serve(conn *websocket.Conn) {
	msgID := 0
	send := func(verb, path string) bool {
		msgID++
		m := ghubMessage{MsgID: strconv.Itoa(msgID), Verb: verb, Path: path}
		if err := conn.WriteJSON(m); err != nil {
			logger.Debug().Str("path", path).Err(err).Msg("ghub write failed")
			return false
		}
		return true
	}
	if !send("SUBSCRIBE", ghubPathBatteryChange) {
		return
	}
	if !send("GET", ghubPathDevicesList) {
		return
	}

	// Close the socket when the client stops so ReadJSON unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-g.ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var m ghubMessage
		if err := conn.ReadJSON(&m); err != nil {
			if g.ctx.Err() == nil {
				logger.Debug().Err(err).Msg("ghub connection lost")
			}
			return
		}
		switch m.Path {
		case ghubPathDevicesList:
			g.handleDeviceList(m.Payload)
		case ghubPathBatteryChange:
			g.handleBatteryState(m.Payload)
		}
	}
}

func (g *GHubClient) handleDeviceList(payload json.RawMessage) {
	var list ghubDeviceList
	if err := json.Unmarshal(payload, &list); err != nil {
		logger.Debug().Err(err).Msg("ghub device list unparsable")
		return
	}
	for _, info := range list.DeviceInfos {
		if !info.Capabilities.HasBatteryStatus {
			continue
		}
		name := info.ExtendedDisplayName
		if name == "" {
			name = info.DisplayName
		}
		g.mu.Lock()
		_, seen := g.known[info.ID]
		g.known[info.ID] = info
		g.mu.Unlock()
		if seen {
			continue
		}
		g.publish(DeviceEvent{
			Kind:       EventInit,
			DeviceID:   ghubIdentifier(info.ID),
			Name:       name,
			HasBattery: true,
			DeviceType: ghubDeviceType(info.DeviceType),
		})
	}
}

func (g *GHubClient) handleBatteryState(payload json.RawMessage) {
	var state ghubBatteryState
	if err := json.Unmarshal(payload, &state); err != nil || state.DeviceID == "" {
		return
	}
	status := StatusDischarging
	if state.Charging {
		status = StatusCharging
	}
	g.publish(DeviceEvent{
		Kind:       EventUpdate,
		DeviceID:   ghubIdentifier(state.DeviceID),
		Percentage: clampPercent(int(state.Percentage)),
		Status:     status,
		Millivolts: -1,
		Mileage:    state.Mileage,
		Timestamp:  time.Now(),
	})
}

// dropAll emits removals for every mirrored device after the application
// connection is lost.
func (g *GHubClient) dropAll() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.known))
	for id := range g.known {
		ids = append(ids, id)
	}
	g.known = make(map[string]ghubDeviceInfo)
	g.mu.Unlock()
	for _, id := range ids {
		g.publish(DeviceEvent{
			Kind:     EventRemove,
			DeviceID: ghubIdentifier(id),
			Reason:   reasonGhubDisconnect,
		})
	}
}

func ghubIdentifier(id string) string { return "ghub:" + id }

func ghubDeviceType(t string) DeviceType {
	switch t {
	case "KEYBOARD":
		return DeviceKeyboard
	case "HEADSET":
		return DeviceHeadset
	default:
		return DeviceMouse
	}
}
