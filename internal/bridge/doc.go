// Package bridge implements the virtual-endpoint "DSH" audio channel: a
// second, audio-only websocket surface (separate from the control plane)
// that lets a connected client act as a routing-fabric participant without
// a physical datagram socket.
package bridge
