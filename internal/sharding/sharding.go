package sharding

import (
	"fmt"
	"hash/crc32"
	"strings"
)

// ShardCount is the fixed number of partitions for the system.
// We use 1024 as per the architectural constraints.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a family. All events
// of one family land on one shard so per-family ordering survives transport.
func GetShardID(familyID string) int {
	checksum := crc32.ChecksumIEEE([]byte(familyID))
	return int(checksum % ShardCount)
}

// EventSubject returns the NATS subject for a family's change feed.
// Format: todo.event.{shard_id}.family.{family_id}
func EventSubject(familyID string) string {
	return fmt.Sprintf("todo.event.%d.family.%s", GetShardID(familyID), familyID)
}

// FamilyFromSubject extracts the family ID back out of an event subject.
// Returns "" when the subject does not match the expected shape.
func FamilyFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 5 || parts[0] != "todo" || parts[1] != "event" || parts[3] != "family" {
		return ""
	}
	return parts[4]
}
