package game

// Broadcaster is the injected capability the core uses to reach clients.
// The transport adapter implements it; the core never imports transport
// types.
type Broadcaster interface {
	// Broadcast delivers an event to every connection subscribed to a room.
	Broadcast(roomCode, event string, payload any)
	// Send delivers an event to a single connection.
	Send(connID, event string, payload any)
}

// MatchSink receives the final ranking of a finished game. Implementations
// are thin persistence wrappers; a nil sink is valid and means "do not
// record matches".
type MatchSink interface {
	SaveMatch(roomCode string, ranking []RankEntry) error
}
