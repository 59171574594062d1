// Package idgen issues entity identifiers (UUIDv4) and time-ordered event
// identifiers (Snowflake).
package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// Init configures the Snowflake node. Each running process must use a
// distinct nodeID in the range 0-1023.
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("idgen: snowflake node %d: %w", nodeID, err)
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

// NewID returns a random entity identifier.
func NewID() string {
	return uuid.NewString()
}

// NewEventID returns a Snowflake id. Ids from one node sort by creation time.
func NewEventID() string {
	mu.Lock()
	n := node
	if n == nil {
		n, _ = snowflake.NewNode(0)
		node = n
	}
	mu.Unlock()
	return n.Generate().String()
}
