package utils

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewID returns a random identifier for a connection.
func NewID() string {
	return uuid.NewString()
}

// ConsumerID names this process inside the consumer group. Port plus start
// time keeps restarts of the same instance apart.
func ConsumerID(port int, started time.Time) string {
	return "server-" + strconv.Itoa(port) + "-" + strconv.FormatInt(started.UnixMilli(), 10)
}
