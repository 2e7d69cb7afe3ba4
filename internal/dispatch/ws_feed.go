package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 64
)

var ErrSlowOperator = errors.New("operator session send buffer full")

// wsConn is the part of *websocket.Conn the feed uses.
type wsConn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)
	Close() error
}

// WSSession is one connected operator console. Events are queued on out and
// written by the session's own goroutine, so a slow console never holds up
// the publisher.
type WSSession struct {
	conn wsConn
	out  chan models.DispatchEvent
	done chan struct{}
}

func (s *WSSession) writeLoop(onErr func(error)) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.out:
			if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				onErr(err)
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				onErr(err)
				return
			}
		}
	}
}

// OperatorFeed pushes DispatchEvents to every connected operator.
type OperatorFeed struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewOperatorFeed(log *slog.Logger) *OperatorFeed {
	if log == nil {
		log = slog.Default()
	}
	return &OperatorFeed{log: log, sessions: make(map[string]*WSSession)}
}

// Add registers conn, starts its writer and returns the session id.
func (f *OperatorFeed) Add(conn wsConn) string {
	id := uuid.NewString()
	s := &WSSession{
		conn: conn,
		out:  make(chan models.DispatchEvent, wsSendBuffer),
		done: make(chan struct{}),
	}
	f.mu.Lock()
	f.sessions[id] = s
	f.mu.Unlock()
	go s.writeLoop(func(err error) {
		f.log.Warn("ws send error", "session_id", id, "err", err)
		f.Remove(id)
	})
	return id
}

func (f *OperatorFeed) Remove(id string) {
	f.mu.Lock()
	s, ok := f.sessions[id]
	delete(f.sessions, id)
	f.mu.Unlock()
	if ok {
		close(s.done)
		_ = s.conn.Close()
	}
}

func (f *OperatorFeed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sessions)
}

// Serve registers conn and blocks until the client goes away. Operators only
// listen; inbound frames are discarded.
func (f *OperatorFeed) Serve(conn *websocket.Conn) {
	id := f.Add(conn)
	f.log.Info("operator connected", "session_id", id)
	defer func() {
		f.Remove(id)
		f.log.Info("operator disconnected", "session_id", id)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish implements EventSink. It never blocks on a connection: sessions
// whose buffer is full are dropped, and write failures drop the session
// from its writer goroutine.
func (f *OperatorFeed) Publish(_ context.Context, ev models.DispatchEvent) error {
	var slow []string
	f.mu.RLock()
	for id, s := range f.sessions {
		select {
		case s.out <- ev:
		default:
			slow = append(slow, id)
		}
	}
	f.mu.RUnlock()

	var errs []error
	for _, id := range slow {
		f.log.Warn("dropping slow operator", "session_id", id)
		errs = append(errs, fmt.Errorf("session %s: %w", id, ErrSlowOperator))
		f.Remove(id)
	}
	return errors.Join(errs...)
}
