package live

import (
	"encoding/json"

	"github.com/pingup/pingup/core/infra/bus"
	"github.com/pingup/pingup/core/infra/logging"
)

type busFrame struct {
	User  string          `json:"user"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// BusPusher relays pushes over the bus to whichever gateway replica holds
// the user's channel. Its result only says the relay accepted the push.
type BusPusher struct {
	bus bus.Bus
}

var _ Pusher = (*BusPusher)(nil)

func NewBusPusher(b bus.Bus) *BusPusher {
	return &BusPusher{bus: b}
}

func (p *BusPusher) Push(userID, event string, payload any) bool {
	subject := bus.LiveSubject(userID)
	if subject == "" {
		return false
	}
	data, err := encodePayload(payload)
	if err != nil {
		logging.Warn(component, "encode relayed push", "event", event, "error", err)
		return false
	}
	if err := p.bus.Publish(subject, busFrame{User: userID, Event: event, Data: data}); err != nil {
		logging.Warn(component, "relay push failed", "user_id", userID, "event", event, "error", err)
		return false
	}
	return true
}

// Attach delivers pushes relayed over the bus to locally connected users.
// Every replica subscribes without a queue group so the holder always sees it.
func (r *Registry) Attach(b bus.Bus) error {
	return b.Subscribe(bus.SubjectLive, "", func(data []byte) error {
		var msg busFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(component, "drop undecodable push", "error", err)
			return nil
		}
		if msg.User == "" || !r.Connected(msg.User) {
			return nil
		}
		r.Push(msg.User, msg.Event, msg.Data)
		return nil
	})
}
