package config

import "github.com/samsamfire/canopen-drive/pkg/od"

// Read the heartbeat producer period in milliseconds
func (config *NodeConfigurator) ReadHeartbeatPeriod() (uint32, error) {
	return config.readUint32(od.EntryProducerHeartbeatTime, 0)
}

// Update the heartbeat producer period in milliseconds
func (config *NodeConfigurator) WriteHeartbeatPeriod(periodMs uint16) error {
	return config.write(od.EntryProducerHeartbeatTime, 0, uint32(periodMs))
}

// Read the node guarding time in milliseconds
func (config *NodeConfigurator) ReadGuardTime() (uint16, error) {
	return config.readUint16(od.EntryGuardTime, 0)
}

func (config *NodeConfigurator) ReadLifeTimeFactor() (uint8, error) {
	return config.readUint8(od.EntryLifeTimeFactor, 0)
}

// Update node guarding, life time is guardTimeMs * lifeTimeFactor
func (config *NodeConfigurator) WriteGuarding(guardTimeMs uint16, lifeTimeFactor uint8) error {
	if err := config.write(od.EntryGuardTime, 0, uint32(guardTimeMs)); err != nil {
		return err
	}
	return config.write(od.EntryLifeTimeFactor, 0, uint32(lifeTimeFactor))
}
