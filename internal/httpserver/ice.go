package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/metrics"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	ExpiresAt  *time.Time         `json:"expiresAt,omitempty"`
	// Realm is the TURN realm the minted credentials are valid in.
	Realm string `json:"realm,omitempty"`
}

// handleICE serves the ICE server list clients pass to RTCPeerConnection
// before placing a call. With TURN REST enabled every TURN entry carries
// short-lived credentials bound to the requesting user.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if s.verifier != nil {
		id, err := auth.Authorize(s.verifier, s.cfg.AuthMode, r, userID)
		if errors.Is(err, auth.ErrSubjectMismatch) {
			s.metrics.Inc(metrics.ConnRejectedAuth)
			WriteJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
			return
		}
		if err != nil {
			s.metrics.Inc(metrics.ConnRejectedAuth)
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		userID = id.Subject
	}
	s.metrics.Inc(metrics.ICERequest)

	resp := iceResponse{ICEServers: s.cfg.ICEServers}
	if resp.ICEServers == nil {
		resp.ICEServers = []webrtc.ICEServer{}
	}
	if s.turn != nil {
		creds, err := s.turn.ForUser(userID)
		if err != nil {
			s.log.Error("turn credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not issue turn credentials"})
			return
		}
		resp.ICEServers = withTURNCredentials(resp.ICEServers, creds.Username, creds.Credential)
		resp.ExpiresAt = &creds.ExpiresAt
		resp.Realm = s.cfg.TURNREST.Realm
		w.Header().Set("Cache-Control", "no-store")
	}
	WriteJSON(w, http.StatusOK, resp)
}

// withTURNCredentials returns a copy of servers with username and credential
// set on every entry that lists a turn: or turns: URL.
func withTURNCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if isTURNServer(server) {
			out[i].Username = username
			out[i].Credential = credential
			out[i].CredentialType = webrtc.ICECredentialTypePassword
		}
	}
	return out
}

func isTURNServer(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
