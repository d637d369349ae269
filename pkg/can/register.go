// Package can holds the registry of CAN bus backends.
// Backends register themselves from an init() function, importing the
// backend package for its side effects is enough to make it available.
package can

import (
	"fmt"
	"sort"
	"sync"

	canopen "github.com/samsamfire/canopen-drive"
)

type NewInterfaceFunc func(channel string) (canopen.Bus, error)

var (
	mu                sync.RWMutex
	interfaceRegistry = make(map[string]NewInterfaceFunc)
)

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	mu.Lock()
	defer mu.Unlock()
	interfaceRegistry[interfaceType] = newInterface
}

// AvailableInterfaces returns the sorted names of the registered backends
func AvailableInterfaces() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create a new CAN bus with given interface
// e.g. "socketcan", "socketcanraw", "slcan", "virtual"
func NewBus(canInterface string, channel string) (canopen.Bus, error) {
	mu.RLock()
	createInterface, ok := interfaceRegistry[canInterface]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v (available %v)", canInterface, AvailableInterfaces())
	}
	return createInterface(channel)
}
