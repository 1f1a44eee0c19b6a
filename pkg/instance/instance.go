package instance

import "os"

// GetID identifies this process in logs. WORKER_ID wins, then the dyno name
// on Heroku-style platforms, then a local default.
func GetID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if id := os.Getenv("DYNO"); id != "" {
		return id
	}
	return "local"
}
