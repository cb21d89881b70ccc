package ws

import (
	"encoding/json"
)

// Subprotocol is the websocket subprotocol spoken on /graphql.
const Subprotocol = "graphql-transport-ws"

// Message types of the graphql-transport-ws protocol.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// Close codes defined by the protocol.
const (
	closeInvalidMessage      = 4400
	closeUnauthorized        = 4401
	closeSubprotocolMismatch = 4406
	closeInitTimeout         = 4408
	closeSubscriberExists    = 4409
	closeTooManyInit         = 4429
)

// message is the envelope of every frame in either direction.
type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func errorsJSON(err error) json.RawMessage {
	data, _ := json.Marshal([]errorPayload{{Message: err.Error()}})
	return data
}
