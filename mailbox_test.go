package canopen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMailboxTxCycle(t *testing.T) {
	mb := &Mailbox{}
	assert.Equal(t, SlotIdle, mb.State())
	frame := mb.Acquire()
	assert.NotNil(t, frame)
	assert.Nil(t, mb.Acquire(), "only one producer at a time")
	frame.ID = 0x181
	frame.DLC = 2
	_, ok := mb.Take()
	assert.False(t, ok, "frame not published yet")
	mb.Publish()
	assert.True(t, mb.NewData())
	taken, ok := mb.Take()
	assert.True(t, ok)
	assert.EqualValues(t, 0x181, taken.ID)
	assert.Equal(t, SlotSending, mb.State())
	assert.Nil(t, mb.Acquire(), "frame still in flight")
	mb.Release()
	assert.Equal(t, SlotIdle, mb.State())
	assert.NotNil(t, mb.Acquire())
	mb.Discard()
	assert.Equal(t, SlotIdle, mb.State())
}

func TestMailboxRxOverrun(t *testing.T) {
	mb := &Mailbox{}
	assert.Nil(t, mb.Store(Frame{ID: 1}))
	assert.False(t, mb.Overrun())
	// Unconsumed frame is replaced
	assert.Nil(t, mb.Store(Frame{ID: 2}))
	assert.True(t, mb.Overrun())
	assert.False(t, mb.Overrun(), "overrun is cleared when read")
	frame, ok := mb.Take()
	assert.True(t, ok)
	assert.EqualValues(t, 2, frame.ID)
	// Consumer owns the slot, frame is dropped
	assert.Equal(t, ErrRxOverflow, mb.Store(Frame{ID: 3}))
	assert.True(t, mb.Overrun())
	mb.Release()
	_, ok = mb.Take()
	assert.False(t, ok)
}

func TestMailboxSingleWriter(t *testing.T) {
	mb := &Mailbox{}
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if mb.Acquire() != nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquired)
}
