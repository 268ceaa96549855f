// Package wire parses and builds the 8-byte datagram header used by every
// endpoint on the fabric. It treats the payload as an opaque byte string;
// codec internals are never interpreted here.
package wire
