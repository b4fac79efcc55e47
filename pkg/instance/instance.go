package instance

import "os"

// GetID returns the orchestrator instance identifier or a default value.
func GetID() string {
	if id := os.Getenv("SYNCD_ID"); id != "" {
		return id
	}
	return "syncd-0"
}
