// Package ext defines the extension system for Loom. Extensions are
// notified of lifecycle events (instance submitted, suspended,
// completed, step retried, etc.) and can react to them for logging,
// metrics, audit trails, or custom side channels.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext
