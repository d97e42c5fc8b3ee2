package domain

// ConnectionData holds the ingest endpoints and credential returned by the
// director for a single publish attempt.
type ConnectionData struct {
	URLs            []string    `json:"urls"`
	JWT             string      `json:"jwt"`
	StreamAccountID string      `json:"streamAccountId"`
	ICEServers      []ICEServer `json:"iceServers"`
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// TrackFlags toggles which kinds of source tracks are published.
type TrackFlags struct {
	DisableAudio bool
	DisableVideo bool
}

// Enabled reports whether tracks of the given kind ("audio" or "video") may be published.
func (f TrackFlags) Enabled(kind string) bool {
	switch kind {
	case "audio":
		return !f.DisableAudio
	case "video":
		return !f.DisableVideo
	}
	return false
}
