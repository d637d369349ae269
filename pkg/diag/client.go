package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/samsamfire/canopen-drive/pkg/node"
	log "github.com/sirupsen/logrus"
)

// Client of a running diagnostics server
type Client struct {
	client  *http.Client
	baseURL string
}

func NewClient(baseURL string) *Client {
	return &Client{client: &http.Client{}, baseURL: baseURL}
}

// HTTP request to the API, the JSON body is decoded into v.
// Failed requests return the error text of the server.
func (client *Client) do(method string, uri string, v any) error {
	req, err := http.NewRequest(method, client.baseURL+"/api"+uri, nil)
	if err != nil {
		return err
	}
	resp, err := client.client.Do(req)
	if err != nil {
		log.Errorf("[DIAG][CLIENT] http error : %v", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errResp := new(ErrResponse)
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, errResp) != nil || errResp.ErrorText == "" {
			return fmt.Errorf("request failed : %v", resp.Status)
		}
		return fmt.Errorf("request failed : %v (%v)", resp.Status, errResp.ErrorText)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		log.Errorf("[DIAG][CLIENT] error decoding json response : %v", err)
		return err
	}
	return nil
}

// Status of the node
func (client *Client) Status() (node.Context, error) {
	var ctx node.Context
	err := client.do(http.MethodGet, "/status", &ctx)
	return ctx, err
}

// Read a dictionary value
func (client *Client) Read(index uint16, subindex uint8) (ReadResponse, error) {
	var resp ReadResponse
	err := client.do(http.MethodGet, fmt.Sprintf("/od/0x%x/%d", index, subindex), &resp)
	return resp, err
}

// ClearFaults clears the faults and returns the new status
func (client *Client) ClearFaults() (node.Context, error) {
	var ctx node.Context
	err := client.do(http.MethodPost, "/faults/clear", &ctx)
	return ctx, err
}

// Nmt applies a command by name : start, stop, preop, reset-node or
// reset-comm
func (client *Client) Nmt(command string) error {
	var resp NmtResponse
	return client.do(http.MethodPost, "/nmt/"+command, &resp)
}
