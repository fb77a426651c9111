package signaling

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var errBadPath = errors.New("bad socket path")

type scope int

const (
	scopeUser scope = iota
	scopeRoom
)

func (s scope) String() string {
	if s == scopeRoom {
		return "room"
	}
	return "user"
}

type target struct {
	scope  scope
	roomID string
	userID string
}

// parseSocketPath maps {prefix}/{roomID}/{userID} to a room-scoped target
// and {prefix}/{userID} (or an empty room segment) to a user-scoped one.
// Segments are percent-decoded individually so ids may contain an encoded
// slash.
func parseSocketPath(prefix, escapedPath string) (target, error) {
	rest, ok := strings.CutPrefix(escapedPath, prefix)
	if !ok || !strings.HasPrefix(rest, "/") {
		return target{}, errBadPath
	}
	segments := strings.Split(rest[1:], "/")

	userID, err := url.PathUnescape(segments[len(segments)-1])
	if err != nil {
		return target{}, fmt.Errorf("%w: %v", errBadPath, err)
	}
	if userID == "" {
		return target{}, fmt.Errorf("%w: missing user id", errBadPath)
	}

	t := target{scope: scopeUser, userID: userID}
	if len(segments) >= 2 {
		roomID, err := url.PathUnescape(segments[len(segments)-2])
		if err != nil {
			return target{}, fmt.Errorf("%w: %v", errBadPath, err)
		}
		if roomID != "" {
			t.scope = scopeRoom
			t.roomID = roomID
		}
	}
	return t, nil
}

func roomKey(roomID string) string { return "room:" + roomID }
func userKey(userID string) string { return "user:" + userID }
