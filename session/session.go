// Package session owns chat sessions and their history. A session is one
// "experience window": it stays current while the user keeps talking and is
// replaced by a fresh one after the inactivity timeout.
package session

import (
	"fmt"

	"github.com/hrygo/personabot/store"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is the unit of persistence in the ordered history list.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tier is the user-selectable model tier, mapped to one pipeline channel by
// configuration.
type Tier string

const (
	TierBasic     Tier = "basic"
	TierStandardA Tier = "standard_a"
	TierStandardB Tier = "standard_b"
)

// DefaultTier applies when the user never picked one.
const DefaultTier = TierStandardB

// IsValid checks if the tier is one of the known labels.
func (t Tier) IsValid() bool {
	switch t {
	case TierBasic, TierStandardA, TierStandardB:
		return true
	default:
		return false
	}
}

// Session is the hydrated per-turn view of one experience window. It is
// composed fresh by the service on every turn; nothing holds a reference
// across turns.
type Session struct {
	ID           string
	UserID       string
	RoleID       string
	TurnCount    int
	LastActiveMs int64
	History      []Message
	Character    *store.Character
	IsNew        bool
}

// sessionID mints the opaque id for a window created at creationMs.
func sessionID(userID string, creationMs int64) string {
	return fmt.Sprintf("sess_%s_%d", userID, creationMs)
}
