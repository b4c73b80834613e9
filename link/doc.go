// Package link is the authenticated channel transport of the
// ropelink bridge.
//
// Endpoints exchange "frames": u32 length | u64 sequence | payload |
// 32-byte HMAC-SHA256 tag. Length covers sequence+payload+tag. The
// tag authenticates sequence and payload with the pre-shared key; the
// sequence is strictly increasing per direction per connection and
// rejects replays, it is not used for reassembly.
//
// Each logical channel (control, telemetry) owns one Manager with a
// fixed role: dial or listen, chosen by configuration, never
// negotiated. Any read/write error, authentication failure or replay
// tears the connection down and the Manager reconnects after a
// constant delay; the radio link recovers on its own schedule, so
// exponential backoff would only add latency once it is back.
//
// Out of scope:
// - payload confidentiality, the protocol authenticates but does not
//   encrypt
// - key exchange, the secret is provisioned out of band
// - large messages, frames above the configured limit are rejected
//   before the body is read
package link
