package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"relaydm/configs"
	"relaydm/relay"
)

// eventStore is what the server needs from its storage backend.
type eventStore interface {
	Save(ctx context.Context, ev *relay.Event) error
	Query(ctx context.Context, filters []relay.Filter) ([]*relay.Event, error)
}

// Server is a development relay: it stores every accepted event in redis
// and fans live events out to matching open subscriptions. It speaks the
// same frames the client pool does.
type Server struct {
	ctx       context.Context
	cancelCtx context.CancelFunc

	store  eventStore
	logger *logrus.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]bool

	// WebSocket upgrader settings
	upgrader *websocket.Upgrader
}

type subscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string][]relay.Filter
}

func NewServer(ctx context.Context, redisClient *redis.Client, logger *logrus.Logger) *Server {
	return newServer(ctx, NewStore(redisClient), logger)
}

func newServer(ctx context.Context, store eventStore, logger *logrus.Logger) *Server {
	ctx, cancelCtx := context.WithCancel(ctx)
	return &Server{
		ctx:         ctx,
		cancelCtx:   cancelCtx,
		store:       store,
		logger:      logger,
		subscribers: make(map[*subscriber]bool),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(configs.WebSocketPath, s.HandleConnection)
	r.HandleFunc(configs.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) Close() {
	s.cancelCtx()
	s.mu.Lock()
	for sub := range s.subscribers {
		sub.conn.Close()
	}
	s.mu.Unlock()
}

// HandleConnection upgrades to WebSocket and serves frames until the peer
// disconnects.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Error upgrading to WebSocket: %v", err)
		return
	}
	defer ws.Close()

	sub := &subscriber{conn: ws, subs: make(map[string][]relay.Filter)}
	s.mu.Lock()
	s.subscribers[sub] = true
	s.mu.Unlock()
	s.logger.Infof("client connected from %s", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
		s.logger.Infof("client from %s disconnected", r.RemoteAddr)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			s.notice(sub, "unparseable frame")
			continue
		}
		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil {
			continue
		}

		switch label {
		case "EVENT":
			s.handleEvent(sub, frame[1])
		case "REQ":
			s.handleReq(sub, frame)
		case "CLOSE":
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err == nil {
				sub.mu.Lock()
				delete(sub.subs, subID)
				sub.mu.Unlock()
			}
		default:
			s.notice(sub, "unknown frame label")
		}
	}
}

func (s *Server) handleEvent(sub *subscriber, raw json.RawMessage) {
	var ev relay.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.notice(sub, "bad event payload")
		return
	}
	if err := ev.Verify(); err != nil {
		s.writeFrame(sub, "OK", ev.ID, false, "invalid: "+err.Error())
		return
	}
	if err := s.store.Save(s.ctx, &ev); err != nil {
		s.logger.Errorf("storing event %s: %v", ev.ID, err)
		s.writeFrame(sub, "OK", ev.ID, false, "error: storage failed")
		return
	}
	s.writeFrame(sub, "OK", ev.ID, true, "")
	s.broadcast(&ev)
}

func (s *Server) handleReq(sub *subscriber, frame []json.RawMessage) {
	if len(frame) < 3 {
		s.notice(sub, "REQ needs a subscription id and at least one filter")
		return
	}
	var subID string
	if err := json.Unmarshal(frame[1], &subID); err != nil {
		return
	}
	var filters []relay.Filter
	for _, raw := range frame[2:] {
		var f relay.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			s.notice(sub, "bad filter in REQ")
			return
		}
		filters = append(filters, f)
	}

	// Register before the replay: an event accepted on another connection
	// while the replay runs is broadcast instead of lost. It may then show
	// up in both the replay and the broadcast; clients dedup by id.
	sub.mu.Lock()
	sub.subs[subID] = filters
	sub.mu.Unlock()

	events, err := s.store.Query(s.ctx, filters)
	if err != nil {
		s.logger.Errorf("query for sub %s: %v", subID, err)
	}
	for i := range events {
		s.writeFrame(sub, "EVENT", subID, events[i])
	}
	s.writeFrame(sub, "EOSE", subID)
}

// broadcast delivers a freshly stored event to every matching live
// subscription.
func (s *Server) broadcast(ev *relay.Event) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		var matched []string
		for subID, filters := range sub.subs {
			if relay.MatchesAny(filters, ev) {
				matched = append(matched, subID)
			}
		}
		sub.mu.Unlock()
		sort.Strings(matched)
		for _, subID := range matched {
			s.writeFrame(sub, "EVENT", subID, ev)
		}
	}
}

func (s *Server) writeFrame(sub *subscriber, parts ...interface{}) {
	data, err := json.Marshal(parts)
	if err != nil {
		return
	}
	sub.writeMu.Lock()
	defer sub.writeMu.Unlock()
	if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debugf("write to subscriber failed: %v", err)
	}
}

func (s *Server) notice(sub *subscriber, msg string) {
	s.writeFrame(sub, "NOTICE", msg)
}
