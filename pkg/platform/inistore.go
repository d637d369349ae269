package platform

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/ini.v1"
)

const iniSection = "LSS"

// IniStore keeps the LSS settings in an ini file
//
//	[LSS]
//	NodeId=5
//	BitTiming=3
type IniStore struct {
	mu   sync.Mutex
	path string
}

func (s *IniStore) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return Settings{}, ErrNotStored
	}
	file, err := ini.Load(s.path)
	if err != nil {
		return Settings{}, err
	}
	if !file.HasSection(iniSection) {
		return Settings{}, ErrNotStored
	}
	section := file.Section(iniSection)
	nodeId, err := section.Key("NodeId").Uint()
	if err != nil || nodeId > 0xFF {
		return Settings{}, fmt.Errorf("invalid NodeId in %v : %v", s.path, section.Key("NodeId").Value())
	}
	bitTiming, err := section.Key("BitTiming").Uint()
	if err != nil || bitTiming > 0xFF {
		return Settings{}, fmt.Errorf("invalid BitTiming in %v : %v", s.path, section.Key("BitTiming").Value())
	}
	return Settings{NodeId: uint8(nodeId), BitTiming: uint8(bitTiming)}, nil
}

func (s *IniStore) PersistConfiguration(nodeId uint8, bitTiming uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := ini.Empty()
	section, err := file.NewSection(iniSection)
	if err != nil {
		return err
	}
	if _, err = section.NewKey("NodeId", strconv.Itoa(int(nodeId))); err != nil {
		return err
	}
	if _, err = section.NewKey("BitTiming", strconv.Itoa(int(bitTiming))); err != nil {
		return err
	}
	return file.SaveTo(s.path)
}

func (s *IniStore) Close() error {
	return nil
}

func NewIniStore(path string) *IniStore {
	return &IniStore{path: path}
}
