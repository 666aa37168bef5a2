package queue

import "fmt"

// Addressing helpers
//
// Topics are namespaced by sandbox so several sandboxes can share one Redis
// server without seeing each other's traffic.
//
// Key pattern: mfn:{namespace}:queue:{topic}

// ManagerTopic is the inbound topic of the execution manager.
const ManagerTopic = "executionManager"

// TopicKey returns the Redis list key backing a topic.
// Pattern: mfn:{namespace}:queue:{topic}
func TopicKey(namespace, topic string) string {
	return fmt.Sprintf("mfn:%s:queue:%s", namespace, topic)
}

// WorkerAddress returns the inbound topic of one worker instance.
// Pattern: {functionTopic}-{pid}
func WorkerAddress(functionTopic string, pid int) string {
	return fmt.Sprintf("%s-%d", functionTopic, pid)
}
