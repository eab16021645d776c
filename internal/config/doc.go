// Package config loads, normalizes, and validates videogen configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment overrides such as
// VIDEOGEN_SPREADSHEET_ID and AWS_REGION. The Config type centralizes every
// knob the driver and CLI need: stage order and dispatch limits, backends for
// the run lease and snapshot offload, and the names of deployed workers.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical backend names, and clear validation errors.
package config
