package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coldbell/escrow/backend/internal/indexer"
	"github.com/gorilla/websocket"
)

const (
	channelOpenOrders  = "orders.open"
	channelMakerPrefix = "orders.maker."
	channelOrderPrefix = "order."

	websocketPollInterval = 2 * time.Second
	websocketChannelLimit = 100
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleWebsocket serves channel snapshots. A subscribed channel is pushed
// as soon as the subscription is read and again whenever the indexer has
// recorded a new order event since the last push.
func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		return s.origins.allows(strings.TrimSpace(req.Header.Get("Origin")))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	readErrCh := make(chan error, 1)
	subscribed := make(chan struct{}, 1)
	go s.websocketReadLoop(ctx, conn, subs, subscribed, readErrCh)

	ticker := time.NewTicker(websocketPollInterval)
	defer ticker.Stop()

	pushedAt := map[string]int64{}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-subscribed:
		case <-ticker.C:
		}
		if err := s.pushChannels(ctx, conn, subs, pushedAt); err != nil {
			s.logger.Debug("websocket write failed", "err", err)
			return
		}
	}
}

// pushChannels sends every subscribed channel that has not been pushed since
// the latest order event. It returns an error only when the connection is
// no longer writable.
func (s *Service) pushChannels(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, pushedAt map[string]int64) error {
	latest, err := s.store.LatestEventID(ctx)
	if err != nil {
		s.logger.Warn("websocket event cursor failed", "err", err)
		return nil
	}
	for _, channel := range subs.List() {
		if last, ok := pushedAt[channel]; ok && last >= latest {
			continue
		}
		payload, err := s.getWebsocketPayload(ctx, channel)
		if errors.Is(err, errUnknownChannel) {
			_ = writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: err.Error(), TS: time.Now().Unix()})
			subs.Remove(channel)
			continue
		}
		if err != nil {
			_ = writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: "failed to fetch channel data", TS: time.Now().Unix()})
			continue
		}
		pushedAt[channel] = latest
		if payload == nil {
			continue
		}
		if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}); err != nil {
			return err
		}
	}
	for channel := range pushedAt {
		if !subs.Has(channel) {
			delete(pushedAt, channel)
		}
	}
	return nil
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, subscribed chan<- struct{}, readErrCh chan<- error) {
	conn.SetReadLimit(64 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}
		switch message.Type {
		case "subscribe":
			if !subs.Add(message.Channel, websocketChannelLimit) {
				readErrCh <- fmt.Errorf("too many channels")
				return
			}
			select {
			case subscribed <- struct{}{}:
			default:
			}
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

var errUnknownChannel = errors.New("unknown channel")

func (s *Service) getWebsocketPayload(ctx context.Context, channel string) (any, error) {
	switch {
	case channel == channelOpenOrders:
		items, _, _, err := s.store.ListOrders(ctx, indexer.OrderFilter{Status: indexer.OrderStatusOpen, Limit: 200})
		if err != nil {
			return nil, err
		}
		return s.viewsOf(items), nil
	case strings.HasPrefix(channel, channelMakerPrefix):
		maker, err := parseOptionalPubkey(strings.TrimPrefix(channel, channelMakerPrefix), "maker")
		if err != nil || maker == "" {
			return nil, fmt.Errorf("%w: %s", errUnknownChannel, channel)
		}
		items, _, _, err := s.store.ListOrders(ctx, indexer.OrderFilter{Maker: maker, Status: indexer.OrderStatusOpen, Limit: 200})
		if err != nil {
			return nil, err
		}
		return s.viewsOf(items), nil
	case strings.HasPrefix(channel, channelOrderPrefix):
		address, err := parseOptionalPubkey(strings.TrimPrefix(channel, channelOrderPrefix), "address")
		if err != nil || address == "" {
			return nil, fmt.Errorf("%w: %s", errUnknownChannel, channel)
		}
		record, err := s.store.GetOrder(ctx, address)
		if err != nil {
			if errors.Is(err, indexer.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return s.viewOf(record), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownChannel, channel)
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

// Add reports false when the set already holds limit channels.
func (s *subscriptionSet) Add(channel string, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[channel]; ok {
		return true
	}
	if len(s.items) >= limit {
		return false
	}
	s.items[channel] = struct{}{}
	return true
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) Has(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[channel]
	return ok
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	return out
}
