package domain

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// SignalEvent is an unsolicited event pushed by the ingest edge over the
// signaling socket (active, inactive, viewercount, stopped, ...).
type SignalEvent struct {
	Name string
	Data []byte
}
