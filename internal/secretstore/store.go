// Package secretstore keeps client credentials in the OS keychain on macOS
// and in a private directory on other platforms.
package secretstore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no secret exists under a name.
var ErrNotFound = errors.New("secret not found")

// Store is a flat name -> secret map.
type Store interface {
	Put(name string, data []byte) error
	Get(name string) ([]byte, error)
	Delete(name string) error
}

var Default Store // set in init of each platform file

var nameReplacer = strings.NewReplacer(":", "_", "/", "_", "\\", "_")

// TokenName is the secret name holding the auth token for an agent address.
func TokenName(agent string) string {
	return "token_" + nameReplacer.Replace(agent)
}

// SaveToken stores token for agent in s.
func SaveToken(s Store, agent, token string) error {
	if err := s.Put(TokenName(agent), []byte(token)); err != nil {
		return fmt.Errorf("failed to save token for %s: %w", agent, err)
	}
	return nil
}

// LoadToken returns the token saved for agent.
func LoadToken(s Store, agent string) (string, error) {
	data, err := s.Get(TokenName(agent))
	if err != nil {
		return "", fmt.Errorf("no token saved for %s: %w", agent, err)
	}
	return strings.TrimSpace(string(data)), nil
}
