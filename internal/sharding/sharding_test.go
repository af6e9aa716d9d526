package sharding

import (
	"fmt"
	"hash/crc32"
	"testing"
)

func TestGetShardID_Range(t *testing.T) {
	for _, machineID := range []string{"m-001", "m-002", "press-12", ""} {
		got := GetShardID(machineID)
		if got < 0 || got >= ShardCount {
			t.Errorf("GetShardID(%q) = %d, out of range [0,%d)", machineID, got, ShardCount)
		}
		want := int(crc32.ChecksumIEEE([]byte(machineID)) % ShardCount)
		if got != want {
			t.Errorf("GetShardID(%q) = %d, want %d", machineID, got, want)
		}
	}
}

func TestActivitySubject(t *testing.T) {
	subject := ActivitySubject("m-001")
	expected := fmt.Sprintf("floor.activity.%d.machine.m-001", GetShardID("m-001"))
	if subject != expected {
		t.Errorf("ActivitySubject = %v, want %v", subject, expected)
	}
}

func TestStableSharding(t *testing.T) {
	id := "test-stable-id"
	if GetShardID(id) != GetShardID(id) {
		t.Error("sharding is not deterministic")
	}
}

func TestDistribution(t *testing.T) {
	// Rough check to ensure we don't map everything to shard 0
	distribution := make(map[int]int)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("machine-%d", i)
		distribution[GetShardID(key)]++
	}

	if len(distribution) < 100 {
		t.Errorf("sharding distribution is too poor: only %d unique shards for 1000 keys", len(distribution))
	}
}
