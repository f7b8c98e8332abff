package session

import (
	"fmt"

	"github.com/dreamware/echo/internal/protocol"
)

// Dispatch applies one client event received on connection id. Malformed
// payloads and unknown events return an error; the caller logs it and keeps
// the connection open.
func (h *Hub) Dispatch(id string, env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventIdentify:
		var p protocol.IdentifyPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		h.Identify(id, p.Username)
	case protocol.EventClaimRouter:
		var p protocol.ClaimRouterPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		h.Claim(p.User)
	case protocol.EventOpenSong:
		var p protocol.OpenSongPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		h.Navigate(id, p.SongID)
	default:
		return fmt.Errorf("unknown event %q", env.Event)
	}
	return nil
}
