package instance

import "os"

const fallbackID = "ledger-worker-0"

// GetID identifies this worker process in logs and lock ownership tokens.
// UNILEVEL_WORKER_ID wins, then the hostname.
func GetID() string {
	if id := os.Getenv("UNILEVEL_WORKER_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackID
}
