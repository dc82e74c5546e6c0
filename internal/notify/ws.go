package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession is a connected worker app session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(e)
}

var ErrNoSession = errors.New("no websocket session")

// WSRegistry holds worker sessions and pushes events to the worker the event
// concerns. Events without a worker are skipped; the bus transport carries
// those.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(workerID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[workerID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, workerID)
}

func (r *WSRegistry) Publish(_ context.Context, e Event) error {
	if e.WorkerID == "" {
		return nil
	}
	r.mu.RLock()
	s, ok := r.sessions[e.WorkerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(e)
}
