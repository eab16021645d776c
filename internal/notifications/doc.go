// Package notifications delivers run events to operators.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Individual event
// families can be switched off in the [notifications] section.
package notifications
