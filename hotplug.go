package main

import (
	"strings"
	"sync"
	"time"

	"github.com/sstallion/go-hid"
)

// logitechVendorID filters enumeration to the receivers and wired devices
// this process understands.
const logitechVendorID uint16 = 0x046D

// isHidppInterface reports whether a HID interface is worth opening: HID++
// traffic rides vendor-defined usage pages, never the boot keyboard/mouse
// collections.
func isHidppInterface(info *hid.DeviceInfo) bool {
	if info == nil {
		return false
	}
	if info.VendorID != logitechVendorID {
		return false
	}
	if info.UsagePage < 0xFF00 {
		return false
	}
	// Some drivers expose virtual keyboard paths on vendor pages too.
	if strings.Contains(strings.ToLower(info.Path), `\\kbd`) {
		return false
	}
	return true
}

// hotplugWatcher produces arrival/removal callbacks by diffing periodic
// vendor-filtered enumerations. Callbacks run on the watcher goroutine and
// must not block; the manager only enqueues from them.
type hotplugWatcher struct {
	interval  time.Duration
	onArrival func(hid.DeviceInfo)
	onRemoval func(path string)

	mu    sync.Mutex
	known map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newHotplugWatcher(interval time.Duration, onArrival func(hid.DeviceInfo), onRemoval func(path string)) *hotplugWatcher {
	return &hotplugWatcher{
		interval:  interval,
		onArrival: onArrival,
		onRemoval: onRemoval,
		known:     make(map[string]struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (w *hotplugWatcher) start() {
	go w.run()
}

func (w *hotplugWatcher) run() {
	defer close(w.done)
	w.scan()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

// scan enumerates once and fires callbacks for the diff against the last
// pass.
func (w *hotplugWatcher) scan() {
	seen := make(map[string]hid.DeviceInfo)
	_ = hid.Enumerate(logitechVendorID, 0, func(info *hid.DeviceInfo) error {
		if !isHidppInterface(info) {
			return nil
		}
		if _, dup := seen[info.Path]; !dup {
			seen[info.Path] = *info
		}
		return nil
	})

	var arrived []hid.DeviceInfo
	var removed []string
	w.mu.Lock()
	for path, info := range seen {
		if _, ok := w.known[path]; !ok {
			w.known[path] = struct{}{}
			arrived = append(arrived, info)
		}
	}
	for path := range w.known {
		if _, ok := seen[path]; !ok {
			delete(w.known, path)
			removed = append(removed, path)
		}
	}
	w.mu.Unlock()

	for _, info := range arrived {
		logger.Debug().Str("path", info.Path).
			Str("product", info.ProductStr).
			Uint16("pid", info.ProductID).
			Msg("device interface arrived")
		w.onArrival(info)
	}
	for _, path := range removed {
		logger.Debug().Str("path", path).Msg("device interface removed")
		w.onRemoval(path)
	}
}

// present reports whether the last scan still saw the path. Used to catch
// removals that fire while a container for the path is being opened.
func (w *hotplugWatcher) present(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.known[path]
	return ok
}

func (w *hotplugWatcher) close() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
