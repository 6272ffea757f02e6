// Package session names, locates, and identifies daemon sessions. A session
// is one logged-in chat identity with its own state directory, database,
// lock, and local API socket.
package session

import (
	"fmt"
	"regexp"

	"github.com/duetchat/duet/internal/config"
)

// DefaultName is used when neither the --session flag nor the config file
// names a session.
const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Session is the explicit session context handed to every component at
// construction. It replaces ambient global access to "the current user":
// the transport joins as UserID, the reconciler attributes optimistic sends
// to UserID, and the HTTP client authenticates with Token.
type Session struct {
	Name   string
	UserID string
	Token  string
}

// Resolve determines the active session name using precedence:
// flag override, then config default_session, then DefaultName.
func Resolve(flagOverride string, cfg *config.Config) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg != nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultName
}

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
