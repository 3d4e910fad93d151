package rpc

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"wold/types"
)

// BroadcastSubject is the pubsub topic every host subscribes to for
// server-wide events, per spec.md §4.4's broadcast-topic model.
const BroadcastSubject = "wold.broadcast"

// Event is a msgpack-encoded record published to a client's subject or to
// BroadcastSubject. Narrative events reuse this envelope with Kind
// EventNarrative ("narrative-event").
type Event struct {
	Kind    string `msgpack:"kind"`
	Player  int64  `msgpack:"player,omitempty"`
	Payload []byte `msgpack:"payload"`
}

// Bus fans narrative and system events out to connected hosts over NATS,
// one subject per client UUID plus the shared broadcast subject.
type Bus struct {
	conn *nats.Conn
}

// ClientSubject returns the per-client topic a host subscribes to after
// authenticating, derived from the client UUID assigned at connect time.
func ClientSubject(clientID string) string {
	return "wold.client." + clientID
}

// Connect dials a NATS server. url may be the empty string to use the
// library's default localhost address.
func Connect(url string) (*Bus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Bus{conn: nc}, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// PublishToClient sends an event to a single client's subject.
func (b *Bus) PublishToClient(clientID string, ev Event) error {
	return b.publish(ClientSubject(clientID), ev)
}

// Broadcast sends an event to every subscribed host.
func (b *Bus) Broadcast(ev Event) error {
	return b.publish(BroadcastSubject, ev)
}

func (b *Bus) publish(subject string, ev Event) error {
	data, err := msgpack.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.conn.Publish(subject, data)
}

// Subscribe registers fn to run for every event published to subject,
// returning a handle the caller can Unsubscribe later.
func (b *Bus) Subscribe(subject string, fn func(Event)) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := msgpack.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		fn(ev)
	})
}

// NarrateEvent builds the Event envelope for a narrative message delivered
// to a specific player, matching §4.4's per-client-topic narration model.
// payload is already the caller's encoded narrative content (e.g. a
// msgpack-encoded NarrativePayload or, for the plain-text telnet path, the
// raw line) so this only tags it with EventNarrative and the player.
func NarrateEvent(player types.ObjID, payload []byte) Event {
	return Event{Kind: EventNarrative, Player: int64(player), Payload: payload}
}
