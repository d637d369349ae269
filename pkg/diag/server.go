// Package diag serves the local diagnostics API of the drive : node
// status, dictionary reads, fault clearing, NMT commands and a live
// stream of node events over websocket.
package diag

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"
	"github.com/samsamfire/canopen-drive/pkg/nmt"
	"github.com/samsamfire/canopen-drive/pkg/node"
	log "github.com/sirupsen/logrus"
)

const API_VERSION = "1.0"

var ErrServerClosed = errors.New("diagnostics server closed")

// Node is the part of [node.Node] exposed by the server
type Node interface {
	Context() node.Context
	Read(index uint16, subindex uint8) ([]byte, error)
	ClearFaults()
	SendCommand(command nmt.Command) error
	Subscribe() (<-chan node.Event, func())
}

var nmtCommands = map[string]nmt.Command{
	"start":               nmt.CommandEnterOperational,
	"stop":                nmt.CommandEnterStopped,
	"preop":               nmt.CommandEnterPreOperational,
	"preoperational":      nmt.CommandEnterPreOperational,
	"reset-node":          nmt.CommandResetNode,
	"reset-comm":          nmt.CommandResetCommunication,
	"reset-communication": nmt.CommandResetCommunication,
}

type Server struct {
	node     Node
	logger   *log.Entry
	router   chi.Router
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates the diagnostics server of a node
func NewServer(n Node, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	s := &Server{
		node:   n,
		logger: logger.WithField("service", "[DIAG]"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/status", s.handleStatus)
		r.Get("/od/{index}/{subindex}", s.handleRead)
		r.Post("/faults/clear", s.handleClearFaults)
		r.Post("/nmt/{command}", s.handleNmt)
	})
	r.Route("/ws", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
	})
	s.router = r
	return s
}

// Handler returns the root handler, e.g. for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server is shut down, it then returns
// [ErrServerClosed]
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	s.logger.Infof("listening on %v", addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return ErrServerClosed
	}
	return err
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithField("request", middleware.GetReqID(r.Context())).
			Debugf("%v %v (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}
