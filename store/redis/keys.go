package redis

// Redis key naming conventions for loom data.
// All keys are prefixed with "loom:" to avoid collisions.

const keyPrefix = "loom:"

// instanceKey returns the key for an instance entity: loom:instance:{id}
func instanceKey(id string) string { return keyPrefix + "instance:" + id }

// instanceIDsKey is the Set tracking all instance IDs for enumeration.
const instanceIDsKey = keyPrefix + "instance_ids"

// stepsKey returns the Hash key for an instance's step log, keyed by
// step name: loom:steps:{instanceID}
func stepsKey(instanceID string) string { return keyPrefix + "steps:" + instanceID }

// timelineKey returns the Sorted Set key for an instance's timeline,
// scored by sequence: loom:timeline:{instanceID}
func timelineKey(instanceID string) string { return keyPrefix + "timeline:" + instanceID }

// eventKey returns the key for an event entity: loom:event:{id}
func eventKey(id string) string { return keyPrefix + "event:" + id }

// eventsKey returns the List key holding an instance's event IDs in
// delivery order: loom:events:{instanceID}
func eventsKey(instanceID string) string { return keyPrefix + "events:" + instanceID }
