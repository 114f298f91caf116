package connector

// State is the connection state of a ServerClient.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

var stateStrings = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes State as its lowercase name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ServerInfo is the payload of an Info response.
type ServerInfo struct {
	Version string       `json:"version"`
	Players PlayerCounts `json:"players"`
	Worlds  []string     `json:"worlds"`
}

// PlayerCounts holds online and maximum player counts.
type PlayerCounts struct {
	Online int `json:"online"`
	Max    int `json:"max"`
}

// Player is the payload of a Player response.
type Player struct {
	UUID     string   `json:"uuid"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
}

// Position locates a player in a world.
type Position struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	World string  `json:"world"`
}
