package diag

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"github.com/samsamfire/canopen-drive/pkg/od"
)

var ErrUnknownCommand = errors.New("unknown NMT command")

// Parse a decimal or 0x prefixed hexadecimal value
func parseUint(value string, bitSize int) (uint64, error) {
	v, err := strconv.ParseUint(value, 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q : %w", value, err)
	}
	return v, nil
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, VersionResponse{Version: API_VERSION})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.node.Context())
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	index, err := parseUint(chi.URLParam(r, "index"), 16)
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	subindex, err := parseUint(chi.URLParam(r, "subindex"), 8)
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	data, err := s.node.Read(uint16(index), uint8(subindex))
	if err != nil {
		s.logger.Debugf("read x%x|x%x failed : %v", index, subindex, err)
		render.Render(w, r, odError(err))
		return
	}
	render.JSON(w, r, ReadResponse{
		Index:    fmt.Sprintf("0x%04x", index),
		Subindex: fmt.Sprintf("0x%02x", subindex),
		Data:     "0x" + hex.EncodeToString(data),
		Length:   len(data),
	})
}

// Map dictionary errors to an HTTP status
func odError(err error) render.Renderer {
	var odr od.ODR
	if !errors.As(err, &odr) {
		return ErrInternal(err)
	}
	switch odr {
	case od.ErrIdxNotExist, od.ErrSubNotExist:
		return ErrNotFound(err)
	case od.ErrWriteOnly:
		return ErrForbidden(err)
	case od.ErrNoData:
		return ErrConflict(err)
	default:
		return ErrInternal(err)
	}
}

func (s *Server) handleClearFaults(w http.ResponseWriter, r *http.Request) {
	s.node.ClearFaults()
	render.JSON(w, r, s.node.Context())
}

func (s *Server) handleNmt(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "command")
	command, ok := nmtCommands[name]
	if !ok {
		render.Render(w, r, ErrNotFound(fmt.Errorf("%w : %v", ErrUnknownCommand, name)))
		return
	}
	if err := s.node.SendCommand(command); err != nil {
		render.Render(w, r, ErrConflict(err))
		return
	}
	render.JSON(w, r, NmtResponse{Command: name, Response: "OK"})
}

// Push every node event as a JSON text message until the client goes
// away or the node is closed
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribed before the handshake completes, so that no event is lost
	events, cancel := s.node.Subscribe()
	defer cancel()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("upgrade failed : %v", err)
		return
	}
	defer conn.Close()

	// Reader detects the client closing the connection
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Info("event stream opened")
	for {
		select {
		case <-gone:
			s.logger.Info("event stream closed by client")
			return
		case event, ok := <-events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "node closed"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Warnf("event stream write failed : %v", err)
				return
			}
		}
	}
}
