package main

import (
	"context"
	"errors"
	"time"
)

// enumerationWait bounds the primary discovery path: after force-announce
// we give connected devices this long to announce themselves before
// falling back to explicit probing.
const enumerationWait = 5 * time.Second

// pingPayload is the marker byte echoed back by a root ping.
const pingPayload byte = 0x5A

// Enumerator drives two-phase discovery for one container. The primary
// path asks the receiver how many devices it has and forces them to
// announce; announcements are routed into the device table elsewhere. The
// fallback explicitly pings every slot, because receivers sometimes never
// announce sleeping devices.
type Enumerator struct {
	tr       hidConn
	table    *DeviceTable
	profiles BackoffProfiles

	// wiredHint reports whether a recent USB arrival suggests fast-tracking.
	wiredHint func() bool
	// initSlot initializes one slot; failures are contained per device.
	initSlot func(ctx context.Context, index byte) error

	// announceWait overrides enumerationWait when non-zero.
	announceWait time.Duration
}

// Discover runs both phases. Enumeration-level failures on the primary path
// report zero devices, which deterministically enters the fallback.
func (e *Enumerator) Discover(ctx context.Context) {
	count := e.queryDeviceCount(ctx)
	if count > 0 {
		signal := make(chan struct{})
		e.table.SetExpectedCount(count, signal)
		if err := e.forceAnnounce(ctx); err != nil {
			logger.Warn().Str("path", e.tr.Path()).Err(err).Msg("force announce failed, probing instead")
			count = 0
		} else {
			wait := e.announceWait
			if wait == 0 {
				wait = enumerationWait
			}
			timer := time.NewTimer(wait)
			select {
			case <-signal:
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
			timer.Stop()
		}
	}
	if ctx.Err() != nil {
		return
	}
	if count == 0 || e.table.Len() < count {
		e.fallbackProbe(ctx)
	}
}

// queryDeviceCount reads the receiver's connection-state register. Any
// failure is reported as zero devices; the fallback covers for it.
func (e *Enumerator) queryDeviceCount(ctx context.Context) int {
	count, ok := retry(ctx, e.profiles.Receiver, func(ctx context.Context, timeout time.Duration) (int, bool) {
		req := getRegisterRequest(registerConnectionState)
		resp, err := e.tr.Request(ctx, req, matchRegisterResponse(req), timeout)
		if err != nil || len(resp.Params) < 2 {
			return 0, false
		}
		return int(resp.Params[1]), true
	})
	if !ok {
		logger.Debug().Str("path", e.tr.Path()).Msg("device count query failed, assuming zero")
		return 0
	}
	return count
}

// forceAnnounce asks the receiver to replay arrival notifications for every
// connected device.
func (e *Enumerator) forceAnnounce(ctx context.Context) error {
	_, ok := retry(ctx, e.profiles.Receiver, func(ctx context.Context, timeout time.Duration) (struct{}, bool) {
		req := setRegisterRequest(registerConnectionState, connectionStateRefresh)
		_, err := e.tr.Request(ctx, req, matchRegisterResponse(req), timeout)
		return struct{}{}, err == nil
	})
	if !ok {
		return errTimeout
	}
	return nil
}

// fallbackProbe pings slots 1-6, creating a record for every responder not
// already present (announcements may have raced some in), then initializes
// the newly created slots one after another. One slot's failure never
// aborts the rest. A slot that gained a record during the ping belongs to
// the announcement path; the insert-if-absent leaves it untouched.
func (e *Enumerator) fallbackProbe(ctx context.Context) {
	var queued []byte
	for idx := minSlotIndex; idx <= maxSlotIndex; idx++ {
		if ctx.Err() != nil {
			return
		}
		if e.table.Has(idx) {
			continue
		}
		if !e.ping(ctx, idx) {
			continue
		}
		if _, created := e.table.CreateDeviceIfAbsent(idx, e.wiredHint()); !created {
			continue
		}
		queued = append(queued, idx)
	}
	for _, idx := range queued {
		if ctx.Err() != nil {
			return
		}
		if err := e.initSlot(ctx, idx); err != nil {
			logger.Warn().Str("path", e.tr.Path()).Uint8("slot", idx).Err(err).
				Msg("fallback device initialization failed")
		}
	}
}

// ping probes a slot with a root ping. Any reply proves presence: HID++ 1.0
// devices answer the 2.0 ping with an error report, which still means a
// device is listening on that slot. Only silence counts as absent.
func (e *Enumerator) ping(ctx context.Context, index byte) bool {
	_, ok := retry(ctx, e.profiles.Ping, func(ctx context.Context, timeout time.Duration) (struct{}, bool) {
		req := featureRequest(index, 0x00, 0x1, 0x00, 0x00, pingPayload)
		_, err := e.tr.Request(ctx, req, matchFeatureResponse(req), timeout)
		if err == nil {
			return struct{}{}, true
		}
		var he *hidppError
		if errors.As(err, &he) {
			return struct{}{}, true
		}
		return struct{}{}, false
	})
	return ok
}
