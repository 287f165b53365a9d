// Package osutils holds host integration that is not about displays.
package osutils

import (
	"fmt"
	"strings"
)

// FirewallRuleName is the inbound rule that admits the API port
const FirewallRuleName = "displaywatch API"

// firewallScript replaces the rule with one allowing TCP port. The rule is
// port-based, not program-based, so it survives the binary moving.
func firewallScript(rule string, port int) string {
	return fmt.Sprintf(
		"Remove-NetFirewallRule -DisplayName '%s' -ErrorAction SilentlyContinue; New-NetFirewallRule -DisplayName '%s' -Direction Inbound -LocalPort %d -Protocol TCP -Action Allow -Profile Any",
		rule, rule, port,
	)
}

// ruleMatches reports whether netsh output describes an allow rule on port
func ruleMatches(output, rule string, port int) bool {
	return containsAll(output, rule, fmt.Sprintf("%d", port), "Allow")
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
