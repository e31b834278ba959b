package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
)

const (
	// Time allowed to write a frame
	writeWait = 10 * time.Second

	// Time allowed to read the next pong
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 512 * 1024
)

// ErrRealtimeClosed is returned when subscribing on a closed channel
var ErrRealtimeClosed = errors.New("realtime channel closed")

// Frame types of the realtime wire protocol
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameChange      = "change"
)

// Frame is one message on the realtime WebSocket
type Frame struct {
	Type   string               `json:"type"`
	Topic  string               `json:"topic"`
	Filter *domain.ChangeFilter `json:"filter,omitempty"`
	Event  *domain.ChangeEvent  `json:"event,omitempty"`
}

type subscription struct {
	filter  domain.ChangeFilter
	handler repo.ChangeHandler
}

// subscriptions dispatches change events to matching handlers
type subscriptions struct {
	mu     sync.Mutex
	subs   map[int]subscription
	nextID int
}

func newSubscriptions() *subscriptions {
	return &subscriptions{subs: make(map[int]subscription)}
}

func (s *subscriptions) add(filter domain.ChangeFilter, handler repo.ChangeHandler) (id int, topicRefs int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.subs[s.nextID] = subscription{filter: filter, handler: handler}
	return s.nextID, s.countLocked(filter.Topic())
}

func (s *subscriptions) remove(id int) (filter domain.ChangeFilter, topicRefs int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return domain.ChangeFilter{}, 0, false
	}
	delete(s.subs, id)
	return sub.filter, s.countLocked(sub.filter.Topic()), true
}

func (s *subscriptions) countLocked(topic string) int {
	n := 0
	for _, sub := range s.subs {
		if sub.filter.Topic() == topic {
			n++
		}
	}
	return n
}

// dispatch delivers event to every handler whose filter matches, in subscription order
func (s *subscriptions) dispatch(event domain.ChangeEvent) {
	var row map[string]any
	if err := json.Unmarshal(event.Record, &row); err != nil {
		slog.Warn("[REALTIME] Dropping change with undecodable record", "table", event.Table, "error", err)
		return
	}

	s.mu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id, sub := range s.subs {
		if sub.filter.Matches(event.Table, row) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	handlers := make([]repo.ChangeHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subs[id].handler)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// wsRealtime implements repo.RealtimeRepo over a WebSocket connection
type wsRealtime struct {
	conn *websocket.Conn
	send chan []byte
	subs *subscriptions

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebSocketRealtime dials the realtime endpoint with the caller's bearer credential
func NewWebSocketRealtime(ctx context.Context, url string, credentials repo.CredentialRepo) (repo.RealtimeRepo, error) {
	header := http.Header{}
	if credentials != nil {
		cred, err := credentials.Credential(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read credential: %w", err)
		}
		header.Set("Authorization", "Bearer "+cred.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime channel: %w", err)
	}

	r := &wsRealtime{
		conn: conn,
		send: make(chan []byte, 64),
		subs: newSubscriptions(),
		done: make(chan struct{}),
	}
	r.wg.Add(2)
	go r.readPump()
	go r.writePump()

	slog.Info("[REALTIME] Connected", "url", url)
	return r, nil
}

// Subscribe registers handler and sends a subscribe frame for the first subscriber of a topic
func (r *wsRealtime) Subscribe(ctx context.Context, filter domain.ChangeFilter, handler repo.ChangeHandler) (repo.Unsubscribe, error) {
	select {
	case <-r.done:
		return nil, ErrRealtimeClosed
	default:
	}

	id, refs := r.subs.add(filter, handler)
	if refs == 1 {
		f := filter
		if err := r.writeFrame(ctx, Frame{Type: FrameSubscribe, Topic: filter.Topic(), Filter: &f}); err != nil {
			r.subs.remove(id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			f, refs, ok := r.subs.remove(id)
			if !ok || refs > 0 {
				return
			}
			if err := r.writeFrame(context.Background(), Frame{Type: FrameUnsubscribe, Topic: f.Topic()}); err != nil &&
				!errors.Is(err, ErrRealtimeClosed) {
				slog.Warn("[REALTIME] Failed to unsubscribe", "topic", f.Topic(), "error", err)
			}
		})
	}, nil
}

func (r *wsRealtime) writeFrame(ctx context.Context, frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	select {
	case r.send <- payload:
		return nil
	case <-r.done:
		return ErrRealtimeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump pumps change frames from the connection to subscribers
func (r *wsRealtime) readPump() {
	defer func() {
		r.wg.Done()
		r.shutdown()
	}()

	r.conn.SetReadLimit(maxFrameSize)
	r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPongHandler(func(string) error {
		r.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[REALTIME] Unexpected close", "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("[REALTIME] Error unmarshaling frame", "error", err)
			continue
		}
		if frame.Type != FrameChange || frame.Event == nil {
			continue
		}
		r.subs.dispatch(*frame.Event)
	}
}

// writePump pumps queued frames and pings to the connection
func (r *wsRealtime) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		r.wg.Done()
	}()

	for {
		select {
		case message := <-r.send:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Error("[REALTIME] Failed to write frame", "error", err)
				r.shutdown()
				r.conn.Close()
				return
			}

		case <-ticker.C:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("[REALTIME] Failed to send ping", "error", err)
				r.shutdown()
				r.conn.Close()
				return
			}

		case <-r.done:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = r.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			r.conn.Close()
			return
		}
	}
}

func (r *wsRealtime) shutdown() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

// Close sends a close frame and waits for both pumps to exit
func (r *wsRealtime) Close() error {
	r.shutdown()
	r.wg.Wait()
	return nil
}
