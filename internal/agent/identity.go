package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Identity returns the ID this process presents when claiming work. Set
// LEASEPOOL_AGENT_ID to pin an identity across restarts (an agent that wants
// to resume heartbeating its own leases after a crash needs a stable ID);
// otherwise a fresh <hostname>-<pid>-<suffix> is generated.
func Identity() string {
	if id := strings.TrimSpace(os.Getenv("LEASEPOOL_AGENT_ID")); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}
