// Package queue provides the topic-addressed message channel shared by the
// execution manager and the function workers of one sandbox.
//
// # Overview
//
// Every participant owns an inbound topic. The execution manager consumes the
// fixed topic "executionManager"; each worker instance consumes the topic
// "<functionTopic>-<pid>". Producers push ControlMessages onto a topic and
// consumers pop them in FIFO order.
//
// # Control Messages
//
// A ControlMessage is a key/value pair. The key selects the handler on the
// receiving side and the value is an opaque payload, JSON text by convention.
// Every message carries a UUID so that receivers can drop duplicates produced
// by at-least-once delivery.
//
// # Usage Example
//
//	client, err := queue.Connect(ctx, "redis://127.0.0.1:6379/0", "sandbox-1")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	msg := queue.NewControlMessage(queue.KeyWorkerCommand, `{"action":"stop"}`)
//	acked, err := client.AddMessage(ctx, queue.WorkerAddress("fn-a", 4242), msg, true)
//
// # Redis Schema
//
// Each topic is a Redis list: mfn:{namespace}:queue:{topic}
//
// Publishing is RPUSH; a successful RPUSH is the acknowledgment. Consuming is
// BLPOP for the first message followed by a counted LPOP for the rest of the
// batch.
package queue
