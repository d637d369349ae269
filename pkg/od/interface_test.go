package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createOD() *ObjectDictionary {
	od := NewOD()
	od.AddVariableType(0x3016, "entry3016", UNSIGNED8, AttributeSdoRw, "0x10")
	od.AddVariableType(0x3017, "entry3017", UNSIGNED16, AttributeSdoRw, "0x20")
	od.AddVariableType(0x3018, "entry3018", UNSIGNED32, AttributeSdoRw, "0x30")
	od.AddVariableType(0x3019, "entry3019", VISIBLE_STRING, AttributeSdoRw|AttributeStr, "some long string")
	record := NewRecord()
	record.AddSubObject(0, "sub0", UNSIGNED8, AttributeSdoRw, "0x11")
	record.AddSubObject(1, "sub1", INTEGER16, AttributeSdoRw, "-5")
	od.AddVariableList(0x3030, "entry3030", record)
	return od
}

func TestIndex(t *testing.T) {
	od := createOD()
	assert.Nil(t, od.Index(0x1118))
	assert.NotNil(t, od.Index(0x3016))
	assert.NotNil(t, od.Index(uint16(0x3017)))
	assert.NotNil(t, od.Index("entry3018"))
	assert.Nil(t, od.Index(3.5))
	assert.Equal(t, []uint16{0x3016, 0x3017, 0x3018, 0x3019, 0x3030}, od.Indexes())
}

func TestSearch(t *testing.T) {
	od := createOD()
	_, err := od.Search(0x1000, 0, SelectRuntime)
	assert.Equal(t, ErrIdxNotExist, err)
	_, err = od.Search(0x3030, 5, SelectRuntime)
	assert.Equal(t, ErrSubNotExist, err)
	_, err = od.Search(0x3016, 1, SelectRuntime)
	assert.Equal(t, ErrSubNotExist, err)
	streamer, err := od.Search(0x3030, 1, SelectRuntime)
	require.Nil(t, err)
	assert.EqualValues(t, 2, streamer.DataLength)
	assert.False(t, streamer.Hooked())
}

func TestTypedAccess(t *testing.T) {
	od := createOD()
	t.Run("read", func(t *testing.T) {
		v8, err := od.Index(0x3016).Uint8(0)
		assert.Nil(t, err)
		assert.EqualValues(t, 0x10, v8)
		v16, err := od.Index(0x3017).Uint16(0)
		assert.Nil(t, err)
		assert.EqualValues(t, 0x20, v16)
		v32, err := od.Index(0x3018).Uint32(0)
		assert.Nil(t, err)
		assert.EqualValues(t, 0x30, v32)
	})
	t.Run("length mismatch", func(t *testing.T) {
		_, err := od.Index(0x3016).Uint16(0)
		assert.Equal(t, ErrTypeMismatch, err)
		err = od.Index(0x3018).PutUint8(0, 1, true)
		assert.Equal(t, ErrTypeMismatch, err)
	})
	t.Run("write then restore", func(t *testing.T) {
		assert.Nil(t, od.Index(0x3018).PutUint32(0, 0x55, true))
		v32, _ := od.Index(0x3018).Uint32(0)
		assert.EqualValues(t, 0x55, v32)
		od.Restore()
		v32, _ = od.Index(0x3018).Uint32(0)
		assert.EqualValues(t, 0x30, v32)
	})
	t.Run("nil entry", func(t *testing.T) {
		_, err := od.Index(0x4000).Uint8(0)
		assert.Equal(t, ErrIdxNotExist, err)
	})
}

func TestStreamerPartial(t *testing.T) {
	od := createOD()
	t.Run("read in chunks", func(t *testing.T) {
		streamer, err := od.Search(0x3019, 0, SelectRuntime)
		require.Nil(t, err)
		buf := make([]byte, 7)
		result := make([]byte, 0)
		for {
			n, err := streamer.Read(buf)
			result = append(result, buf[:n]...)
			if err != ErrPartial {
				assert.Nil(t, err)
				break
			}
		}
		assert.Equal(t, "some long string", string(result))
	})
	t.Run("write in chunks", func(t *testing.T) {
		streamer, err := od.Search(0x3019, 0, SelectRuntime)
		require.Nil(t, err)
		_, err = streamer.Write([]byte("SOME LON"))
		assert.Equal(t, ErrPartial, err)
		_, err = streamer.Write([]byte("G STRING"))
		assert.Nil(t, err)
		variable, _ := od.Index(0x3019).SubIndex(0)
		assert.Equal(t, "SOME LONG STRING", string(variable.Bytes()))
	})
	t.Run("write too long", func(t *testing.T) {
		streamer, err := od.Search(0x3016, 0, SelectRuntime)
		require.Nil(t, err)
		_, err = streamer.Write([]byte{1, 2})
		assert.Equal(t, ErrDataLong, err)
	})
	t.Run("default selector", func(t *testing.T) {
		assert.Nil(t, od.Index(0x3016).PutUint8(0, 0x99, true))
		streamer, err := od.Search(0x3016, 0, SelectDefault)
		require.Nil(t, err)
		buf := make([]byte, 1)
		_, err = streamer.Read(buf)
		assert.Nil(t, err)
		assert.EqualValues(t, 0x10, buf[0])
	})
}

func TestStateLock(t *testing.T) {
	od := createOD()
	assert.False(t, od.StateLocked())
	od.SetStateLock(true)
	assert.True(t, od.StateLocked())
	od.SetStateLock(false)
	assert.False(t, od.StateLocked())
}

func TestAddPDO(t *testing.T) {
	od := NewOD()
	assert.Equal(t, ErrDevIncompat, od.AddRPDO(0))
	assert.Nil(t, od.AddRPDO(2))
	assert.Nil(t, od.AddTPDO(5))
	cobId, err := od.Index(0x1401).Uint32(1)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x80000300, cobId)
	cobId, err = od.Index(0x1804).Uint32(1)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x80000000, cobId)
	count, err := od.Index(0x1A04).Uint8(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0, count)
	assert.Equal(t, 9, od.Index(0x1A04).SubCount())
}
