package health

import (
	"context"
	"sync"
	"time"

	"example.com/pulsecal/services/telemetry/config"
	"example.com/pulsecal/services/telemetry/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Status represents device connectivity derived from heartbeat silence
type Status string

const (
	// StatusOnline means the device reported within the online window
	StatusOnline Status = "online"
	// StatusDegraded means the device has been silent long enough to worry
	StatusDegraded Status = "degraded"
	// StatusOffline means the device has been silent past the offline cutoff
	StatusOffline Status = "offline"
	// StatusUnknown means the device has never been seen
	StatusUnknown Status = "unknown"
)

// Event describes a connectivity transition worth alerting on
type Event struct {
	DeviceUID  string
	DeviceID   uint
	Status     Status
	LastSeenAt time.Time
	At         time.Time
}

// Listener receives connectivity transitions. Implementations must not
// block; the sweep runs them inline.
type Listener interface {
	HandleOffline(ctx context.Context, ev Event)
	HandleRecovery(ctx context.Context, ev Event)
}

// deviceHealth is the tracked state for one device. Its mutex serializes
// sweep evaluation against concurrent touches.
type deviceHealth struct {
	mu           sync.Mutex
	deviceID     uint
	lastSeenAt   time.Time
	status       Status
	lastAlertAt  time.Time
	offlineAlert bool
}

// Monitor tracks per-device liveness from accepted samples and runs a
// periodic sweep classifying each device as online, degraded or offline.
type Monitor struct {
	mu      sync.RWMutex
	devices map[string]*deviceHealth

	cfg      config.HealthConfig
	listener Listener
	metrics  *metrics.Metrics
	log      *logrus.Logger
	now      func() time.Time
}

// NewMonitor creates a device health monitor. listener and m may be nil.
func NewMonitor(cfg config.HealthConfig, listener Listener, m *metrics.Metrics, log *logrus.Logger) *Monitor {
	return &Monitor{
		devices:  make(map[string]*deviceHealth),
		cfg:      cfg,
		listener: listener,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

func (m *Monitor) entry(deviceUID string, deviceID uint) *deviceHealth {
	m.mu.RLock()
	dh, ok := m.devices[deviceUID]
	m.mu.RUnlock()
	if ok {
		return dh
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if dh, ok = m.devices[deviceUID]; ok {
		return dh
	}
	dh = &deviceHealth{deviceID: deviceID, status: StatusUnknown}
	m.devices[deviceUID] = dh
	return dh
}

// Touch records a heartbeat for the device, creating its entry on first
// contact. A touch after a degraded/offline period transitions the device
// back to online and clears any open offline alert.
func (m *Monitor) Touch(ctx context.Context, deviceUID string, deviceID uint, at time.Time) {
	dh := m.entry(deviceUID, deviceID)

	dh.mu.Lock()
	if at.After(dh.lastSeenAt) {
		dh.lastSeenAt = at
	}
	recovered := dh.status == StatusOffline || dh.status == StatusDegraded
	dh.status = StatusOnline
	// A recovered device starts a fresh cooldown; its next outage alerts
	// immediately instead of waiting out the previous window.
	dh.lastAlertAt = time.Time{}
	hadOfflineAlert := dh.offlineAlert
	dh.offlineAlert = false
	lastSeen := dh.lastSeenAt
	dh.mu.Unlock()

	if recovered {
		m.log.WithFields(logrus.Fields{
			"device_uid": deviceUID,
			"last_seen":  lastSeen,
		}).Info("Device back online")

		if hadOfflineAlert && m.listener != nil {
			m.listener.HandleRecovery(ctx, Event{
				DeviceUID:  deviceUID,
				DeviceID:   deviceID,
				Status:     StatusOnline,
				LastSeenAt: lastSeen,
				At:         m.now(),
			})
		}
	}
}

// StatusOf reports the current connectivity status of a device. Devices
// never seen are StatusUnknown.
func (m *Monitor) StatusOf(deviceUID string) Status {
	m.mu.RLock()
	dh, ok := m.devices[deviceUID]
	m.mu.RUnlock()
	if !ok {
		return StatusUnknown
	}

	dh.mu.Lock()
	defer dh.mu.Unlock()
	return dh.status
}

// Sweep evaluates every tracked device once. It is safe to run
// concurrently with Touch.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now()

	m.mu.RLock()
	snapshot := make(map[string]*deviceHealth, len(m.devices))
	for uid, dh := range m.devices {
		snapshot[uid] = dh
	}
	m.mu.RUnlock()

	counts := map[Status]int{}

	for uid, dh := range snapshot {
		dh.mu.Lock()
		elapsed := now.Sub(dh.lastSeenAt)

		var next Status
		switch {
		case elapsed < m.cfg.DegradedAfter:
			next = StatusOnline
		case elapsed < m.cfg.OfflineAfter:
			next = StatusDegraded
		default:
			next = StatusOffline
		}

		wentOffline := next == StatusOffline && dh.status != StatusOffline
		dh.status = next

		// An offline device re-alerts at most once per cooldown window
		// until it recovers.
		var alert bool
		if next == StatusOffline && now.Sub(dh.lastAlertAt) >= m.cfg.AlertCooldown {
			dh.lastAlertAt = now
			dh.offlineAlert = true
			alert = true
		}
		deviceID := dh.deviceID
		lastSeen := dh.lastSeenAt
		dh.mu.Unlock()

		counts[next]++

		if wentOffline {
			m.log.WithFields(logrus.Fields{
				"device_uid": uid,
				"last_seen":  lastSeen,
				"elapsed":    elapsed.Round(time.Second),
			}).Warn("Device went offline")
		}

		if alert && m.listener != nil {
			m.listener.HandleOffline(ctx, Event{
				DeviceUID:  uid,
				DeviceID:   deviceID,
				Status:     StatusOffline,
				LastSeenAt: lastSeen,
				At:         now,
			})
		}
	}

	if m.metrics != nil {
		for _, status := range []Status{StatusOnline, StatusDegraded, StatusOffline} {
			m.metrics.DevicesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}
}

// Start runs the periodic sweep until the context is cancelled
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}
