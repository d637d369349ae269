// Package platform holds what the stack needs from the device it runs on :
// a watchdog, the system status, the reset and the persistence of the
// LSS owned node id and bit timing.
package platform

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNotStored = errors.New("no persisted configuration")
	ErrNoStore   = errors.New("no persistence backend")
)

type Status uint8

const (
	StatusBooting Status = iota
	StatusResetting
	StatusFullyOperative
)

var statusNames = map[Status]string{
	StatusBooting:        "BOOTING",
	StatusResetting:      "RESETTING",
	StatusFullyOperative: "FULLY OPERATIVE",
}

func (s Status) String() string {
	name, ok := statusNames[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN (%d)", uint8(s))
	}
	return name
}

// Reset codes passed to [Platform.ExecuteReset]
const (
	ResetNode          uint8 = 1
	ResetCommunication uint8 = 2
)

// Settings are the values owned by LSS
type Settings struct {
	NodeId    uint8
	BitTiming uint8
}

// Store persists the LSS owned settings
type Store interface {
	Load() (Settings, error)
	PersistConfiguration(nodeId uint8, bitTiming uint8) error
	Close() error
}

// Platform is the default implementation used by the node
type Platform struct {
	logger    *log.Entry
	mu        sync.Mutex
	status    Status
	store     Store
	onReset   func(code uint8)
	clears    atomic.Uint64
	lastClear atomic.Int64
}

// ClearWatchdog is called by every blocking or cyclic part of the stack
func (p *Platform) ClearWatchdog() {
	p.clears.Add(1)
	p.lastClear.Store(time.Now().UnixNano())
}

// WatchdogClears returns the number of watchdog clears so far
func (p *Platform) WatchdogClears() uint64 {
	return p.clears.Load()
}

// Starved returns true if the watchdog was not cleared during timeout
func (p *Platform) Starved(timeout time.Duration) bool {
	last := p.lastClear.Load()
	return last == 0 || time.Since(time.Unix(0, last)) > timeout
}

func (p *Platform) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Platform) SetStatus(status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != status {
		p.logger.Infof("status %v => %v", p.status, status)
	}
	p.status = status
}

// PersistConfiguration stores the LSS settings in the backend
func (p *Platform) PersistConfiguration(nodeId uint8, bitTiming uint8) error {
	if p.store == nil {
		return ErrNoStore
	}
	if err := p.store.PersistConfiguration(nodeId, bitTiming); err != nil {
		p.logger.Errorf("storing node id %v and bit timing %v failed : %v", nodeId, bitTiming, err)
		return err
	}
	p.logger.Infof("stored node id %v and bit timing %v", nodeId, bitTiming)
	return nil
}

// Load the persisted LSS settings, [ErrNotStored] if there are none
func (p *Platform) Load() (Settings, error) {
	if p.store == nil {
		return Settings{}, ErrNotStored
	}
	return p.store.Load()
}

// ExecuteReset runs the reset callback, the status stays resetting
// until the application sets it again
func (p *Platform) ExecuteReset(code uint8) {
	p.SetStatus(StatusResetting)
	p.logger.Warnf("executing reset (code %v)", code)
	if p.onReset != nil {
		p.onReset(code)
	}
}

// Close the persistence backend
func (p *Platform) Close() error {
	if p.store == nil {
		return nil
	}
	return p.store.Close()
}

// New creates a platform, store and onReset may be nil
func New(logger *log.Entry, store Store, onReset func(code uint8)) *Platform {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Platform{
		logger:  logger.WithField("service", "[PLATFORM]"),
		status:  StatusBooting,
		store:   store,
		onReset: onReset,
	}
}

// OpenStore opens the persistence backend by name : "ini", "storm" or
// "none". An empty name is the same as "none".
func OpenStore(backend string, path string) (Store, error) {
	switch backend {
	case "", "none":
		return nil, nil
	case "ini":
		return NewIniStore(path), nil
	case "storm":
		return OpenStormStore(path)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", backend)
	}
}
