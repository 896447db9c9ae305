package protocol

// Presence statuses carried in TypePresence messages.
const (
	PresenceAvailable   = "available"
	PresenceUnavailable = "unavailable"
	// PresenceProbe asks every peer to announce itself again. The sender is
	// implicitly available.
	PresenceProbe = "probe"
)

// PresenceUpdate is the body of a presence message.
type PresenceUpdate struct {
	Status string `json:"status"`
}
