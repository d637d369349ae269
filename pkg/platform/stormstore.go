package platform

import (
	"errors"

	"github.com/asdine/storm/v3"
)

const lssRecordId = 1

type lssRecord struct {
	ID        int `storm:"id"`
	NodeId    uint8
	BitTiming uint8
}

// StormStore keeps the LSS settings in a storm (bolt) database
type StormStore struct {
	db *storm.DB
}

func (s *StormStore) Load() (Settings, error) {
	var record lssRecord
	err := s.db.One("ID", lssRecordId, &record)
	if errors.Is(err, storm.ErrNotFound) {
		return Settings{}, ErrNotStored
	}
	if err != nil {
		return Settings{}, err
	}
	return Settings{NodeId: record.NodeId, BitTiming: record.BitTiming}, nil
}

func (s *StormStore) PersistConfiguration(nodeId uint8, bitTiming uint8) error {
	return s.db.Save(&lssRecord{ID: lssRecordId, NodeId: nodeId, BitTiming: bitTiming})
}

func (s *StormStore) Close() error {
	return s.db.Close()
}

func OpenStormStore(path string) (*StormStore, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Init(&lssRecord{}); err != nil {
		db.Close()
		return nil, err
	}
	return &StormStore{db: db}, nil
}
