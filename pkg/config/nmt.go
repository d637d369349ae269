package config

import (
	"github.com/samsamfire/canopen-drive/pkg/nmt"
	"github.com/samsamfire/canopen-drive/pkg/od"
)

// Read NMT startup (0x1F80)
func (config *NodeConfigurator) ReadStartup() (uint32, error) {
	return config.readUint32(od.EntryNMTStartup, 0)
}

// Enable or disable the self starting bit of NMT startup, the node then
// enters operational after bootup without master
func (config *NodeConfigurator) WriteAutostart(enabled bool) error {
	startup, err := config.ReadStartup()
	if err != nil {
		return err
	}
	if enabled {
		startup |= nmt.StartupSelfStarting
	} else {
		startup &^= nmt.StartupSelfStarting
	}
	return config.write(od.EntryNMTStartup, 0, startup)
}
