package bridge

import (
	"encoding/json"
	"time"
)

// Event is the replicated envelope carried on the shared channel. Origin is
// the publishing bridge's process ID, used to skip events this process
// already delivered locally. Seq is a per-origin counter; duplicates are
// tolerated, so the pair only serves observability.
type Event struct {
	Room    string    `json:"room"`
	Payload []byte    `json:"payload"`
	Origin  string    `json:"origin"`
	Seq     uint64    `json:"seq"`
	SentAt  time.Time `json:"sent_at"`
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

func decodeEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// channelFor maps a room ID to its pub/sub channel name.
func channelFor(roomID string) string {
	return "room:" + roomID
}
