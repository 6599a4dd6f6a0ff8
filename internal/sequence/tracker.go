package sequence

import (
	"context"
	"sync"
	"time"

	"example.com/pulsecal/services/telemetry/config"
	"example.com/pulsecal/services/telemetry/internal/models"

	"github.com/sirupsen/logrus"
)

// Result describes how one sequence number relates to its device's stream
type Result struct {
	Status         models.SequenceStatus
	MissingNumbers []uint64
	GapSize        uint64
	Delay          uint64
	// GapAlert is set when the gap exceeds the configured operational
	// threshold and deserves attention beyond a per-sample warning
	GapAlert bool
}

// deviceState holds per-device ordering state. All access goes through the
// state's own mutex so two samples for the same device never race, while
// different devices proceed in parallel.
type deviceState struct {
	mu           sync.Mutex
	lastSeen     uint64
	initialized  bool
	seen         map[uint64]struct{}
	lastActivity time.Time
}

// Tracker detects gaps, duplicates and out-of-order arrivals per device
type Tracker struct {
	mu      sync.RWMutex
	devices map[string]*deviceState

	windowSize        int
	gapAlertThreshold uint64
	idleTTL           time.Duration
	log               *logrus.Logger
	now               func() time.Time
}

// NewTracker creates a sequence tracker
func NewTracker(cfg config.SequenceConfig, log *logrus.Logger) *Tracker {
	return &Tracker{
		devices:           make(map[string]*deviceState),
		windowSize:        cfg.WindowSize,
		gapAlertThreshold: cfg.GapAlertThreshold,
		idleTTL:           cfg.DeviceIdleTTL,
		log:               log,
		now:               time.Now,
	}
}

func (t *Tracker) state(deviceUID string) *deviceState {
	t.mu.RLock()
	st, ok := t.devices[deviceUID]
	t.mu.RUnlock()
	if ok {
		return st
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.devices[deviceUID]; ok {
		return st
	}
	st = &deviceState{seen: make(map[uint64]struct{})}
	t.devices[deviceUID] = st
	return st
}

// Check classifies the sequence number for the device and advances its
// state. Calls for the same device serialize on the device's own lock.
func (t *Tracker) Check(deviceUID string, sequenceNumber uint64) Result {
	st := t.state(deviceUID)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastActivity = t.now()

	// First observation for this device: accept without inferring history
	if !st.initialized {
		st.initialized = true
		st.lastSeen = sequenceNumber
		st.seen[sequenceNumber] = struct{}{}
		return Result{Status: models.SequenceReceived}
	}

	if _, dup := st.seen[sequenceNumber]; dup {
		t.log.WithFields(logrus.Fields{
			"device_uid":      deviceUID,
			"sequence_number": sequenceNumber,
		}).Debug("Duplicate sequence number")
		return Result{Status: models.SequenceDuplicate}
	}

	if sequenceNumber <= st.lastSeen {
		delay := st.lastSeen - sequenceNumber
		st.seen[sequenceNumber] = struct{}{}
		t.evictLocked(st)
		return Result{Status: models.SequenceDelayed, Delay: delay}
	}

	if sequenceNumber == st.lastSeen+1 {
		st.lastSeen = sequenceNumber
		st.seen[sequenceNumber] = struct{}{}
		t.evictLocked(st)
		return Result{Status: models.SequenceReceived}
	}

	// Gap: numbers (lastSeen, sequenceNumber) never arrived (yet)
	gap := sequenceNumber - st.lastSeen - 1
	missing := make([]uint64, 0, min64(gap, uint64(t.windowSize)))
	for n := st.lastSeen + 1; n < sequenceNumber && len(missing) < t.windowSize; n++ {
		missing = append(missing, n)
	}

	gapAlert := gap > t.gapAlertThreshold
	if gapAlert {
		t.log.WithFields(logrus.Fields{
			"device_uid": deviceUID,
			"gap_size":   gap,
			"last_seen":  st.lastSeen,
			"received":   sequenceNumber,
		}).Warn("Sequence gap exceeds alert threshold")
	}

	st.lastSeen = sequenceNumber
	st.seen[sequenceNumber] = struct{}{}
	t.evictLocked(st)

	return Result{
		Status:         models.SequenceMissing,
		MissingNumbers: missing,
		GapSize:        gap,
		GapAlert:       gapAlert,
	}
}

// evictLocked prunes the recently-seen set to the sliding window. The
// caller must hold the device lock.
func (t *Tracker) evictLocked(st *deviceState) {
	if uint64(t.windowSize) > st.lastSeen {
		return
	}
	floor := st.lastSeen - uint64(t.windowSize)
	for n := range st.seen {
		if n < floor {
			delete(st.seen, n)
		}
	}
}

// Start runs the idle-device janitor until the context is cancelled
func (t *Tracker) Start(ctx context.Context) {
	if t.idleTTL <= 0 {
		return
	}

	ticker := time.NewTicker(t.idleTTL / 4)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.evictIdle()
			}
		}
	}()
}

func (t *Tracker) evictIdle() {
	cutoff := t.now().Add(-t.idleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()
	for uid, st := range t.devices {
		st.mu.Lock()
		idle := st.lastActivity.Before(cutoff)
		st.mu.Unlock()
		if idle {
			delete(t.devices, uid)
		}
	}
}

// TrackedDevices returns the number of devices with live sequence state
func (t *Tracker) TrackedDevices() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devices)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
