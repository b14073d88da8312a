// Package notify delivers firing alerts to notification channels.
//
// Channel types ("slack", "email", "telegram") are registered
// constructors that validate their configuration up front. The
// Dispatcher resolves the alert's channel, enforces a cooldown per
// (alert, channel) pair and retries failed sends with a fixed delay.
package notify
