package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

var (
	ErrConnClosed     = errors.New("relay connection closed")
	ErrPublishTimeout = errors.New("publish not acknowledged in time")
	ErrRejected       = errors.New("event rejected by relay")
)

// Conn is a single websocket connection to one relay, multiplexing any
// number of subscriptions over it.
type Conn struct {
	URL string

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subState
	oks  map[string]chan okFrame

	closed    chan struct{}
	closeOnce sync.Once
}

type subState struct {
	events   chan Event
	eose     chan struct{}
	eoseOnce sync.Once
	// done is closed when the subscription is dropped, so a read loop
	// blocked delivering into a full events buffer never wedges the whole
	// connection on a subscription nobody drains anymore.
	done     chan struct{}
	doneOnce sync.Once
}

func (s *subState) drop() {
	s.doneOnce.Do(func() { close(s.done) })
}

type okFrame struct {
	accepted bool
	reason   string
}

// Dial connects to a relay and starts the read loop.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}
	c := &Conn{
		URL:    url,
		ws:     ws,
		subs:   make(map[string]*subState),
		oks:    make(map[string]chan okFrame),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
		c.mu.Lock()
		for id, sub := range c.subs {
			sub.drop()
			delete(c.subs, id)
		}
		c.mu.Unlock()
	})
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				logger.Debugf("relay %s: read loop ended: %v", c.URL, err)
			}
			return
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			logger.Warnf("relay %s: unparseable frame", c.URL)
			continue
		}
		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil {
			continue
		}

		switch label {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var subID string
			var ev Event
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			if err := json.Unmarshal(frame[2], &ev); err != nil {
				logger.Warnf("relay %s: bad event payload on sub %s", c.URL, subID)
				continue
			}
			c.mu.Lock()
			sub := c.subs[subID]
			c.mu.Unlock()
			if sub != nil {
				select {
				case sub.events <- ev:
				case <-sub.done:
				case <-c.closed:
					return
				}
			}
		case "EOSE":
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			c.mu.Lock()
			sub := c.subs[subID]
			c.mu.Unlock()
			if sub != nil {
				sub.eoseOnce.Do(func() { close(sub.eose) })
			}
		case "OK":
			if len(frame) < 3 {
				continue
			}
			var eventID string
			var ok okFrame
			if err := json.Unmarshal(frame[1], &eventID); err != nil {
				continue
			}
			json.Unmarshal(frame[2], &ok.accepted)
			if len(frame) > 3 {
				json.Unmarshal(frame[3], &ok.reason)
			}
			c.mu.Lock()
			ch := c.oks[eventID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- ok:
				default:
				}
			}
		case "NOTICE":
			var notice string
			json.Unmarshal(frame[1], &notice)
			logger.Infof("relay %s notice: %s", c.URL, notice)
		}
	}
}

func (c *Conn) writeFrame(parts ...interface{}) error {
	data, err := json.Marshal(parts)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) openSub(filters []Filter, buffer int) (string, *subState, error) {
	subID := uuid.NewString()
	sub := &subState{
		events: make(chan Event, buffer),
		eose:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()

	parts := make([]interface{}, 0, len(filters)+2)
	parts = append(parts, "REQ", subID)
	for i := range filters {
		parts = append(parts, filters[i])
	}
	if err := c.writeFrame(parts...); err != nil {
		c.dropSub(subID)
		return "", nil, err
	}
	return subID, sub, nil
}

func (c *Conn) dropSub(subID string) {
	c.mu.Lock()
	sub := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if sub != nil {
		sub.drop()
	}
	c.writeFrame("CLOSE", subID)
}

// Query requests stored events and returns once the relay signals end of
// stored events, the timeout fires, or the context is cancelled.
func (c *Conn) Query(ctx context.Context, filters []Filter, timeout time.Duration) ([]Event, error) {
	subID, sub, err := c.openSub(filters, 256)
	if err != nil {
		return nil, err
	}
	defer c.dropSub(subID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var events []Event
	for {
		select {
		case ev := <-sub.events:
			events = append(events, ev)
		case <-sub.eose:
			// Drain anything already buffered before EOSE was handled.
			for {
				select {
				case ev := <-sub.events:
					events = append(events, ev)
				default:
					return events, nil
				}
			}
		case <-timer.C:
			return events, fmt.Errorf("query on %s: timed out after %s", c.URL, timeout)
		case <-ctx.Done():
			return events, ctx.Err()
		case <-c.closed:
			return events, ErrConnClosed
		}
	}
}

// Subscribe opens a standing subscription. The returned channel closes when
// the context is cancelled or the connection drops.
func (c *Conn) Subscribe(ctx context.Context, filters []Filter) (<-chan Event, error) {
	subID, sub, err := c.openSub(filters, 64)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer c.dropSub(subID)
		for {
			select {
			case ev := <-sub.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
		}
	}()
	return out, nil
}

// Publish submits an event and waits for the relay's acknowledgement.
func (c *Conn) Publish(ctx context.Context, ev Event, timeout time.Duration) error {
	okCh := make(chan okFrame, 1)
	c.mu.Lock()
	c.oks[ev.ID] = okCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.oks, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.writeFrame("EVENT", ev); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-okCh:
		if !ok.accepted {
			return fmt.Errorf("%w: %s", ErrRejected, ok.reason)
		}
		return nil
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnClosed
	}
}
