// Package dedupe drops platform updates that were already delivered once.
//
// Telegram redelivers a webhook update when the first attempt was not
// acknowledged in time, and a restarted poll loop may see its last batch
// again. Sessions and the webhook router check every update against a shared
// Cache[UpdateKey] before it reaches a conversation.
package dedupe
