package config

import (
	"time"

	"github.com/samsamfire/canopen-drive/pkg/od"
)

func (config *NodeConfigurator) ReadCobIdSYNC() (cobId uint32, err error) {
	return config.readUint32(od.EntryCobIdSYNC, 0x0)
}

func (config *NodeConfigurator) ReadCounterOverflow() (uint8, error) {
	return config.readUint8(od.EntrySynchronousCounterOverflow, 0x0)
}

func (config *NodeConfigurator) ReadCommunicationPeriod() (time.Duration, error) {
	period, err := config.readUint32(od.EntryCommunicationCyclePeriod, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(period) * time.Microsecond, nil
}

// Change sync COB-ID, this device is only consumer
func (config *NodeConfigurator) WriteCobIdSYNC(cobId uint32) error {
	return config.write(od.EntryCobIdSYNC, 0x0, cobId)
}

// Sync should have communication period of 0 before changing this
func (config *NodeConfigurator) WriteCounterOverflow(counter uint8) error {
	return config.write(od.EntrySynchronousCounterOverflow, 0x0, uint32(counter))
}

// Expected SYNC period in microseconds, 0 disables the timeout
func (config *NodeConfigurator) WriteCommunicationPeriod(periodUs uint32) error {
	return config.write(od.EntryCommunicationCyclePeriod, 0, periodUs)
}
