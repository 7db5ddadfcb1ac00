// Package wire defines the binary control protocol spoken over the audio
// gateway's Unix socket: the fixed message header, operation payloads, and
// the codec capability blocks exchanged during stream negotiation.
//
// Every message is a 4-byte header {type, name, length} followed by
// length-4 bytes of payload, little-endian throughout. Address and object
// path strings are fixed-width and NUL-terminated; a field whose final byte
// is not NUL is a malformed message and fatal for the connection.
package wire
