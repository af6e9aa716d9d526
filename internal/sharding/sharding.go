package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for the activity stream.
// Plants top out at a few hundred machines, so 256 keeps subjects sparse
// without exploding consumer state.
const ShardCount = 256

// GetShardID calculates the deterministic shard ID for a machine.
func GetShardID(machineID string) int {
	checksum := crc32.ChecksumIEEE([]byte(machineID))
	return int(checksum % ShardCount)
}

// ActivitySubject returns the NATS subject for one machine's activity feed.
// Format: floor.activity.{shard_id}.machine.{machine_id}
func ActivitySubject(machineID string) string {
	return fmt.Sprintf("floor.activity.%d.machine.%s", GetShardID(machineID), machineID)
}
