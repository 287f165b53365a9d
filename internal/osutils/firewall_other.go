//go:build !windows

package osutils

import "github.com/rs/zerolog"

// EnsureFirewallRule only manages rules on Windows
func EnsureFirewallRule(port int, log zerolog.Logger) error {
	log.Debug().Int("port", port).Msg("firewall rules are only managed on Windows")
	return nil
}
