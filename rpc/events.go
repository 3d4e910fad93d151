package rpc

import (
	"github.com/vmihailenco/msgpack/v5"

	"wold/types"
)

// Daemon-emitted event kinds, per spec.md §4.4's "Daemon-emitted events
// (fan-out on client's topic)" list. Event.Kind is always one of these; the
// payload is the corresponding struct below, msgpack-encoded into
// Event.Payload.
const (
	EventSystemMessage       = "system-message"
	EventNarrative           = "narrative-event"
	EventRequestInput        = "request-input"
	EventDisconnect          = "disconnect"
	EventTaskSuccess         = "task-success"
	EventTaskError           = "task-error"
	EventPlayerSwitched      = "player-switched"
	EventSetConnectionOption = "set-connection-option"
)

// SystemMessagePayload carries a server-originated informational line.
type SystemMessagePayload struct {
	Message string `msgpack:"message"`
}

// NarrativePayload carries one rendered narrative line or presentation,
// the payload of EventNarrative before it is appended to the event log.
type NarrativePayload struct {
	Text string `msgpack:"text"`
}

// RequestInputPayload asks the host to prompt its client for a line and
// reply with ReqRequestedInputReply bearing the same RequestID, per
// spec.md §4.4: "host must reply with requested-input-reply bearing the
// same UUID."
type RequestInputPayload struct {
	RequestID string `msgpack:"request_id"`
}

// DisconnectPayload tells the host to tear down a client's connection.
type DisconnectPayload struct {
	Reason string `msgpack:"reason,omitempty"`
}

// TaskSuccessPayload reports a completed task's return value, msgpack-
// encoded separately (Value holds the encoded types.Value).
type TaskSuccessPayload struct {
	TaskID int64  `msgpack:"task_id"`
	Value  []byte `msgpack:"value"`
}

// TaskErrorPayload reports a task that ended in a scheduler-level error
// (uncaught exception, abort, or resource exhaustion).
type TaskErrorPayload struct {
	TaskID         int64  `msgpack:"task_id"`
	SchedulerError string `msgpack:"scheduler_error"`
}

// PlayerSwitchedPayload notifies a client it is now bound to a different
// player object (switch_player()), carrying the re-issued auth token per
// spec.md §4.4's "Rotation on player-switch is explicit."
type PlayerSwitchedPayload struct {
	NewPlayer    int64  `msgpack:"new_player"`
	NewAuthToken string `msgpack:"new_auth_token"`
}

// SetConnectionOptionPayload asks the host to change one connection-level
// option (e.g. an output prefix/suffix or a content-type hint).
type SetConnectionOptionPayload struct {
	ConnectionObj int64  `msgpack:"connection_obj"`
	OptionName    string `msgpack:"option_name"`
	Value         []byte `msgpack:"value"` // msgpack-encoded types.Value
}

// SystemMessageEvent builds the Event envelope for a system-message.
func SystemMessageEvent(player types.ObjID, message string) Event {
	return narrowEvent(EventSystemMessage, player, SystemMessagePayload{Message: message})
}

// RequestInputEvent builds the Event envelope for a request-input.
func RequestInputEvent(player types.ObjID, requestID string) Event {
	return narrowEvent(EventRequestInput, player, RequestInputPayload{RequestID: requestID})
}

// DisconnectEvent builds the Event envelope for a disconnect.
func DisconnectEvent(player types.ObjID, reason string) Event {
	return narrowEvent(EventDisconnect, player, DisconnectPayload{Reason: reason})
}

// TaskSuccessEvent builds the Event envelope for a task-success.
func TaskSuccessEvent(player types.ObjID, taskID int64, encodedValue []byte) Event {
	return narrowEvent(EventTaskSuccess, player, TaskSuccessPayload{TaskID: taskID, Value: encodedValue})
}

// TaskErrorEvent builds the Event envelope for a task-error.
func TaskErrorEvent(player types.ObjID, taskID int64, schedulerError string) Event {
	return narrowEvent(EventTaskError, player, TaskErrorPayload{TaskID: taskID, SchedulerError: schedulerError})
}

// PlayerSwitchedEvent builds the Event envelope for a player-switched.
func PlayerSwitchedEvent(player types.ObjID, newPlayer types.ObjID, newAuthToken string) Event {
	return narrowEvent(EventPlayerSwitched, player, PlayerSwitchedPayload{
		NewPlayer:    int64(newPlayer),
		NewAuthToken: newAuthToken,
	})
}

// SetConnectionOptionEvent builds the Event envelope for a
// set-connection-option.
func SetConnectionOptionEvent(player types.ObjID, connObj types.ObjID, optionName string, encodedValue []byte) Event {
	return narrowEvent(EventSetConnectionOption, player, SetConnectionOptionPayload{
		ConnectionObj: int64(connObj),
		OptionName:    optionName,
		Value:         encodedValue,
	})
}

// narrowEvent msgpack-encodes payload and wraps it in an Event addressed to
// player's topic, swallowing an encode error into an empty payload rather
// than propagating it — every payload type above is msgpack-trivial
// (structs of strings/ints/bytes), so failure here would mean a caller
// passed an unencodable Value, already a bug at the call site.
func narrowEvent(kind string, player types.ObjID, payload interface{}) Event {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		data = nil
	}
	return Event{Kind: kind, Player: int64(player), Payload: data}
}
