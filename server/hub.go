package server

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"carrera.app/race"
)

// subscriber is the outbound side of one websocket connection.
type subscriber struct {
	id   string
	send chan []byte
}

// queue enqueues b without blocking and reports whether it fit.
func (s *subscriber) queue(b []byte) bool {
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

// Hub fans race events out to the connections subscribed to each race.
//
// Delivery is best effort: messages are queued without blocking and a
// connection whose queue is full simply misses that message. Each connection
// drains its queue from a single goroutine, so events of one race arrive in
// the order the registry produced them.
type Hub struct {
	mu    sync.RWMutex
	races map[string]map[string]*subscriber

	stats *Stats
	log   *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(stats *Stats, log *zap.Logger) *Hub {
	if stats == nil {
		stats = &Stats{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		races: make(map[string]map[string]*subscriber),
		stats: stats,
		log:   log,
	}
}

// Subscribe attaches s to raceID.
func (h *Hub) Subscribe(raceID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.races[raceID]
	if !ok {
		subs = make(map[string]*subscriber)
		h.races[raceID] = subs
	}
	subs[s.id] = s
}

// Unsubscribe detaches a subscriber from raceID. Once it returns no more
// messages for that race are queued to the subscriber.
func (h *Hub) Unsubscribe(raceID, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.races[raceID]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.races, raceID)
		}
	}
}

// Subscribers returns the number of connections attached to raceID.
func (h *Hub) Subscribers(raceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.races[raceID])
}

// Publish implements race.Publisher.
func (h *Hub) Publish(ev race.Event) {
	switch ev.Type {
	case race.ParticipantsChanged:
		h.Relay(ev.RaceID, "", string(ev.Type), ParticipantsUpdate{RaceID: ev.RaceID, Participants: ev.Participants})
	case race.PositionsChanged:
		h.Relay(ev.RaceID, "", string(ev.Type), PositionUpdate{RaceID: ev.RaceID, Positions: ev.Positions})
	case race.Closed:
		h.Relay(ev.RaceID, "", string(ev.Type), RaceRef{RaceID: ev.RaceID})

		h.mu.Lock()
		delete(h.races, ev.RaceID)
		h.mu.Unlock()
	}
}

// Relay sends a message to every subscriber of raceID except exclude.
func (h *Hub) Relay(raceID, exclude, msgType string, data interface{}) {
	b, err := encode(msgType, data)
	if err != nil {
		h.log.Error("encode relay", zap.String("type", msgType), zap.Error(err))
		return
	}

	h.stats.RecordPublish()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, s := range h.races[raceID] {
		if id == exclude {
			continue
		}
		if s.queue(b) {
			h.stats.RecordDelivery()
		} else {
			h.stats.RecordDrop()
			h.log.Debug("send queue full, dropping",
				zap.String("race", raceID),
				zap.String("conn", id),
				zap.String("type", msgType))
		}
	}
}

func encode(msgType string, data interface{}) ([]byte, error) {
	return json.Marshal(Outbound{Type: msgType, Data: data})
}
