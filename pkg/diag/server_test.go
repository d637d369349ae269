package diag

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samsamfire/canopen-drive/internal/testbus"
	"github.com/samsamfire/canopen-drive/pkg/alarm"
	"github.com/samsamfire/canopen-drive/pkg/nmt"
	"github.com/samsamfire/canopen-drive/pkg/node"
	"github.com/samsamfire/canopen-drive/pkg/od"
	"github.com/samsamfire/canopen-drive/pkg/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const NODE_ID_TEST = uint8(0x10)

func createNode(t *testing.T) *node.Node {
	bm, _ := testbus.NewManager()
	hw := platform.New(nil, nil, nil)
	hw.SetStatus(platform.StatusFullyOperative)
	n, err := node.New(node.NewHost(bm, od.Default(), alarm.NewTable(nil), hw), nil, node.Settings{NodeId: NODE_ID_TEST})
	require.Nil(t, err)
	t.Cleanup(n.Close)
	n.Process(1000)
	return n
}

func createClient(t *testing.T) (*Client, *node.Node, *httptest.Server) {
	n := createNode(t)
	ts := httptest.NewServer(NewServer(n, nil).Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL), n, ts
}

func TestStatus(t *testing.T) {
	client, _, _ := createClient(t)
	status, err := client.Status()
	require.Nil(t, err)
	assert.EqualValues(t, NODE_ID_TEST, status.NodeId)
	assert.Equal(t, nmt.StatePreOperational, status.NmtState)
	assert.Equal(t, "PRE-OPERATIONAL", status.NmtStateName)
	assert.True(t, status.Operative)
	assert.NotNil(t, status.Pdos)
}

func TestRead(t *testing.T) {
	client, _, _ := createClient(t)
	resp, err := client.Read(od.EntryManufacturerDeviceName, 0)
	require.Nil(t, err)
	assert.Equal(t, "0x1008", resp.Index)
	assert.Equal(t, "0x"+hex.EncodeToString([]byte("canopen-drive")), resp.Data)
	assert.Equal(t, len("canopen-drive"), resp.Length)

	_, err = client.Read(0x5FFF, 0)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestReadInvalid(t *testing.T) {
	_, _, ts := createClient(t)
	for _, uri := range []string{"/api/od/zz/0", "/api/od/0x1008/0x1FF", "/api/od/0x10000/0"} {
		t.Run(uri, func(t *testing.T) {
			resp, err := http.Get(ts.URL + uri)
			require.Nil(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestNmt(t *testing.T) {
	client, n, _ := createClient(t)
	require.Nil(t, client.Nmt("start"))
	n.Process(1000)
	status, err := client.Status()
	require.Nil(t, err)
	assert.Equal(t, "OPERATIONAL", status.NmtStateName)
	assert.NotEmpty(t, status.Pdos)

	err = client.Nmt("jump")
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), ErrUnknownCommand.Error())
}

func TestClearFaults(t *testing.T) {
	client, n, _ := createClient(t)
	n.Faults().Raise(1, 0)
	status, err := client.Status()
	require.Nil(t, err)
	assert.NotEmpty(t, status.Faults)
	status, err = client.ClearFaults()
	require.Nil(t, err)
	assert.Empty(t, status.Faults)
	assert.Zero(t, status.FaultBits)
}

func TestVersion(t *testing.T) {
	_, _, ts := createClient(t)
	resp, err := http.Get(ts.URL + "/api/version")
	require.Nil(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEvents(t *testing.T) {
	_, n, ts := createClient(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Nil(t, err)
	defer conn.Close()

	require.Nil(t, n.SendCommand(nmt.CommandEnterOperational))
	n.Process(1000)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var event node.Event
	require.Nil(t, conn.ReadJSON(&event))
	assert.Equal(t, node.EventNmtState, event.Kind)
	assert.Equal(t, "OPERATIONAL", event.NmtState)
	assert.EqualValues(t, NODE_ID_TEST, event.NodeId)

	// Closing the node ends the stream
	n.Close()
	_, _, err = conn.ReadMessage()
	assert.NotNil(t, err)
}
