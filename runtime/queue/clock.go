package queue

import (
	"time"

	"github.com/google/uuid"
)

// nowFunc is overridden in tests that need deterministic timestamps.
var nowFunc = time.Now

func newTaskID() string {
	return uuid.NewString()
}
