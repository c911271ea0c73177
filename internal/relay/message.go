// Package relay provides the cross-platform message model, the connector
// capability contract, and the hub that correlates and fans out messages
// between connected chat platforms.
package relay

// Message is one normalized chat message in flight between platforms.
// (Origin, OriginID) uniquely identifies it for the lifetime of the system.
type Message struct {
	Origin          string `json:"origin"`
	OriginID        string `json:"origin_id"`
	Author          string `json:"author"`
	Text            string `json:"text"`
	ReplyToOriginID string `json:"reply_to_origin_id,omitempty"`
}

// IsReply reports whether the message references another message on its
// origin platform.
func (m Message) IsReply() bool {
	return m.ReplyToOriginID != ""
}
