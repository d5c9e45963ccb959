package lock

import (
	"fmt"
	"os"
	"os/user"
)

// HolderIDFromEnvironment builds the user@machine holder identity for this
// process. Called at the CLI edge; the coordinator itself only ever
// receives identities as values.
func HolderIDFromEnvironment() string {
	username := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}

	return fmt.Sprintf("%s@%s", username, hostname)
}
