package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdog(t *testing.T) {
	p := New(nil, nil, nil)
	assert.True(t, p.Starved(time.Second))
	p.ClearWatchdog()
	p.ClearWatchdog()
	assert.EqualValues(t, 2, p.WatchdogClears())
	assert.False(t, p.Starved(time.Second))
}

func TestReset(t *testing.T) {
	var codes []uint8
	p := New(nil, nil, func(code uint8) { codes = append(codes, code) })
	assert.Equal(t, StatusBooting, p.Status())
	p.SetStatus(StatusFullyOperative)
	p.ExecuteReset(ResetNode)
	assert.Equal(t, StatusResetting, p.Status())
	assert.Equal(t, []uint8{ResetNode}, codes)
	assert.Equal(t, "RESETTING", p.Status().String())
}

func TestNoStore(t *testing.T) {
	p := New(nil, nil, nil)
	assert.Equal(t, ErrNoStore, p.PersistConfiguration(5, 3))
	_, err := p.Load()
	assert.Equal(t, ErrNotStored, err)
	assert.Nil(t, p.Close())
}

func TestStores(t *testing.T) {
	for _, backend := range []string{"ini", "storm"} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "lss."+backend)
			store, err := OpenStore(backend, path)
			require.Nil(t, err)
			p := New(nil, store, nil)
			defer p.Close()

			_, err = p.Load()
			assert.Equal(t, ErrNotStored, err)

			require.Nil(t, p.PersistConfiguration(0x22, 4))
			settings, err := p.Load()
			require.Nil(t, err)
			assert.Equal(t, Settings{NodeId: 0x22, BitTiming: 4}, settings)

			// Overwrite
			require.Nil(t, p.PersistConfiguration(0x7F, 0))
			settings, err = p.Load()
			require.Nil(t, err)
			assert.Equal(t, Settings{NodeId: 0x7F, BitTiming: 0}, settings)
		})
	}
}

func TestIniStoreInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lss.ini")
	require.Nil(t, os.WriteFile(path, []byte("[LSS]\nNodeId=300\nBitTiming=1\n"), 0644))
	_, err := NewIniStore(path).Load()
	assert.NotNil(t, err)

	require.Nil(t, os.WriteFile(path, []byte("[OTHER]\nKey=1\n"), 0644))
	_, err = NewIniStore(path).Load()
	assert.Equal(t, ErrNotStored, err)
}

func TestOpenStoreUnknown(t *testing.T) {
	_, err := OpenStore("redis", "")
	assert.NotNil(t, err)
	store, err := OpenStore("", "")
	assert.Nil(t, err)
	assert.Nil(t, store)
}
