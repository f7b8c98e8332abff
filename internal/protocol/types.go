package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event names carried in Envelope.Event.
const (
	// EventIdentify (client to server) names the sender. Payload: IdentifyPayload.
	EventIdentify = "identify"

	// EventClaimRouter (client to server) takes the router role for a user.
	// Payload: ClaimRouterPayload.
	EventClaimRouter = "claim_router"

	// EventOpenSong travels both ways: the router opens a song, and the
	// server relays it to every other viewer. Payload: OpenSongPayload.
	EventOpenSong = "open_song"

	// EventRouterClaimed (server to client) announces the current holder,
	// to a new connection on admit and to everyone after a claim.
	// Payload: RouterClaimedPayload.
	EventRouterClaimed = "router_claimed"
)

// Envelope is the frame written to and read from the WebSocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IdentifyPayload sets the display name of the sending connection.
// An empty Username leaves the connection anonymous.
type IdentifyPayload struct {
	Username string `json:"username"`
}

// ClaimRouterPayload names the new router holder. Claims are not checked:
// the last one received wins.
type ClaimRouterPayload struct {
	User string `json:"user"`
}

// OpenSongPayload identifies a catalog song by id.
//
// Example:
//
//	env, err := NewEnvelope(EventOpenSong, OpenSongPayload{SongID: 42})
//	// env encodes as {"event":"open_song","data":{"song_id":42}}
type OpenSongPayload struct {
	SongID int64 `json:"song_id"`
}

// RouterClaimedPayload reports the current router holder. RouterUser is nil
// until someone claims the role.
type RouterClaimedPayload struct {
	RouterUser *string `json:"router_user"`
}

// ConnectedUser is one entry in the connected users view.
type ConnectedUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ConnectedResponse is served by /admin/connected.
type ConnectedResponse struct {
	RouterUser *string         `json:"router_user"`
	Users      []ConnectedUser `json:"users"`
}

// NewEnvelope marshals payload into an Envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

// Holder converts a router holder name into its wire form. The empty name
// means nobody holds the role and is sent as null.
func Holder(name string) *string {
	if name == "" {
		return nil
	}
	return &name
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON issues a GET and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
