// Package notify delivers short operator messages about finished runs.
//
// The service subscribes to the event bus and, for every stored run record
// whose status is at least as bad as the configured minimum, queues one
// message for its Sender. Messages go out from a single worker under a token
// bucket with retry and a short dedup window.
//
// The same service implements logx.AlertSender, so high-severity log lines
// share the queue and the rate limit with run alerts.
//
// # Transport
//
// Delivery is delegated to a Sender. The telegram subpackage provides one
// backed by telebot.
package notify
