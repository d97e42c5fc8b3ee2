package domain

import "encoding/json"

// MessageType is the numeric type tag of a control-channel message.
type MessageType int

const (
	MessageTypeRequest  MessageType = 1
	MessageTypeResponse MessageType = 3
	MessageTypePing     MessageType = 6
	MessageTypeClose    MessageType = 7
)

// TargetSubscribeViewerCount is the hub method used to subscribe to viewer counts.
const TargetSubscribeViewerCount = "SubscribeViewerCount"

// Message is the wire shape of a control-channel message. Arguments stays
// raw because its shape depends on Type: an array of count updates for
// requests, an object for responses.
type Message struct {
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	InvocationID string          `json:"invocationId,omitempty"`
	StreamIDs    []string        `json:"streamIds,omitempty"`
	Target       string          `json:"target,omitempty"`
	Type         MessageType     `json:"type"`
	Error        string          `json:"error,omitempty"`
}

// SubscribeRequest is the outbound form of Message. Unlike Message it never
// omits streamIds, which the hub expects as an empty array.
type SubscribeRequest struct {
	Arguments    any         `json:"arguments"`
	InvocationID string      `json:"invocationId"`
	StreamIDs    []string    `json:"streamIds"`
	Target       string      `json:"target"`
	Type         MessageType `json:"type"`
}

// ViewerCount is delivered to viewer-count callbacks. Error is set when the
// edge rejected the subscription for StreamID.
type ViewerCount struct {
	StreamID string `json:"streamId"`
	Count    int    `json:"count"`
	Error    string `json:"error,omitempty"`
}
