package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

var errNoSDP = errors.New("frame carries no session description")

// SessionDescription decodes the offer or answer carried by f. Clients send
// the browser's RTCSessionDescription, i.e. {"type":"offer","sdp":"v=0..."}.
func SessionDescription(f Frame) (webrtc.SessionDescription, error) {
	if isNull(f.SDP) {
		return webrtc.SessionDescription{}, errNoSDP
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(f.SDP, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, errNoSDP
	}
	return desc, nil
}

// MediaKinds lists the m= sections of desc ("audio", "video", ...), in order.
func MediaKinds(desc webrtc.SessionDescription) ([]string, error) {
	parsed, err := desc.Unmarshal()
	if err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	kinds := make([]string, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		kinds = append(kinds, md.MediaName.Media)
	}
	return kinds, nil
}

// Candidate decodes the ice-candidate payload. ok is false for the
// end-of-candidates marker (null or empty candidate string).
func Candidate(f Frame) (cand webrtc.ICECandidateInit, ok bool, err error) {
	if isNull(f.Candidate) {
		return webrtc.ICECandidateInit{}, false, nil
	}
	if err := json.Unmarshal(f.Candidate, &cand); err != nil {
		return webrtc.ICECandidateInit{}, false, fmt.Errorf("decode candidate: %w", err)
	}
	return cand, cand.Candidate != "", nil
}

// CandidateType extracts the "typ" attribute (host, srflx, prflx, relay) from
// an ICE candidate line.
func CandidateType(line string) string {
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "typ" {
			return fields[i+1]
		}
	}
	return ""
}
