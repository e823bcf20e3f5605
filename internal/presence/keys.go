package presence

import (
	"fmt"
	"strconv"
	"strings"
)

// Attribute names one piece of per-user presence state.
type Attribute string

const (
	AttrIsOnline    Attribute = "isOnline"
	AttrLastSeenOn  Attribute = "lastSeenOn"
	AttrConnections Attribute = "connections" // open connections across all nodes
)

// KeyPrefix starts every presence key. The full format is
//
//	user:<userId>:<attribute>
//
// and is parsed back by the expiration notifier, so changing it is a
// breaking change for running deployments.
const KeyPrefix = "user:"

// Key returns the Redis key for a user's attribute.
func Key(userID int64, attr Attribute) string {
	return KeyPrefix + strconv.FormatInt(userID, 10) + ":" + string(attr)
}

// ParseKey extracts the user id and attribute from a presence key name.
func ParseKey(name string) (int64, Attribute, error) {
	rest, ok := strings.CutPrefix(name, KeyPrefix)
	if !ok {
		return 0, "", fmt.Errorf("presence: key %q: missing %q prefix", name, KeyPrefix)
	}
	idPart, attrPart, ok := strings.Cut(rest, ":")
	if !ok || attrPart == "" {
		return 0, "", fmt.Errorf("presence: key %q: missing attribute", name)
	}
	userID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || userID <= 0 {
		return 0, "", fmt.Errorf("presence: key %q: bad user id", name)
	}
	switch attr := Attribute(attrPart); attr {
	case AttrIsOnline, AttrLastSeenOn, AttrConnections:
		return userID, attr, nil
	default:
		return 0, "", fmt.Errorf("presence: key %q: unknown attribute %q", name, attrPart)
	}
}
