package store

import "fmt"

// Redis key layout. All engine keys share the "coordination:" namespace so
// the registry can coexist with other workloads on a shared instance.

const (
	actionKeyPrefix = "coordination:actions:"
	conflictListKey = "coordination:conflicts"
)

// ActionKey constructs the Redis key holding one action record.
// Format: coordination:actions:{id}
func ActionKey(id string) string {
	return fmt.Sprintf("%s%s", actionKeyPrefix, id)
}

// ActionKeyPattern is the scan pattern matching every action record.
func ActionKeyPattern() string {
	return actionKeyPrefix + "*"
}
