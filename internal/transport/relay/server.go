package relay

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// DefaultHistoryLimit is how many events a topic retains for replay to late
// subscribers.
const DefaultHistoryLimit = 1000

// Server is a reference relay: a blind store-and-forward hub. It retains a
// bounded per-topic history, replays it to new subscribers, and fans live
// events out to everyone else on the topic. It holds no keys and never
// inspects payloads; running one requires no trust from the devices using it.
type Server struct {
	logger       *log.Logger
	historyLimit int

	mu     sync.Mutex
	topics map[string]*topicState
}

type topicState struct {
	history []Frame
	subs    map[*serverConn]struct{}
}

type serverConn struct {
	ws  *websocket.Conn
	out chan Frame
}

// NewServer creates an empty relay server.
func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[relay-server] ", log.LstdFlags)
	}
	return &Server{
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
		topics:       make(map[string]*topicState),
	}
}

// Handler returns the HTTP handler accepting relay connections.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.Printf("WARNING: failed to accept connection: %v", err)
			return
		}
		s.serve(r.Context(), ws)
	})
}

// serve runs one client connection to completion.
func (s *Server) serve(ctx context.Context, ws *websocket.Conn) {
	c := &serverConn{ws: ws, out: make(chan Frame, 256)}
	defer func() {
		s.dropConn(c)
		_ = ws.CloseNow()
	}()

	writeCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()
	go func() {
		for {
			select {
			case <-writeCtx.Done():
				return
			case f := <-c.out:
				if err := wsjson.Write(writeCtx, ws, f); err != nil {
					return
				}
			}
		}
	}()

	for {
		var f Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			return
		}

		switch f.Type {
		case TypeSubscribe:
			s.subscribe(c, f.Topic)
		case TypePublish:
			s.publish(c, f)
		case TypePing:
			c.send(Frame{Type: TypePong, TS: f.TS})
		}
	}
}

// subscribe registers the connection on a topic and replays retained history.
func (s *Server) subscribe(c *serverConn, topic string) {
	s.mu.Lock()
	ts := s.topic(topic)
	ts.subs[c] = struct{}{}
	replay := append([]Frame(nil), ts.history...)
	s.mu.Unlock()

	for _, f := range replay {
		c.send(f)
	}
}

// publish retains the event and fans it out to every other subscriber.
func (s *Server) publish(origin *serverConn, f Frame) {
	event := f
	event.Type = TypeEvent

	s.mu.Lock()
	ts := s.topic(f.Topic)
	ts.history = append(ts.history, event)
	if len(ts.history) > s.historyLimit {
		ts.history = ts.history[len(ts.history)-s.historyLimit:]
	}
	subs := make([]*serverConn, 0, len(ts.subs))
	for c := range ts.subs {
		if c != origin {
			subs = append(subs, c)
		}
	}
	s.mu.Unlock()

	for _, c := range subs {
		c.send(event)
	}
}

// topic returns the topic's state, creating it if needed. Caller holds s.mu.
func (s *Server) topic(name string) *topicState {
	ts, ok := s.topics[name]
	if !ok {
		ts = &topicState{subs: make(map[*serverConn]struct{})}
		s.topics[name] = ts
	}
	return ts
}

func (s *Server) dropConn(c *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.topics {
		delete(ts.subs, c)
	}
}

// send queues a frame, dropping it if the connection cannot keep up. Replay
// on reconnect repairs the gap.
func (c *serverConn) send(f Frame) {
	select {
	case c.out <- f:
	default:
	}
}
