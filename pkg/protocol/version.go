package protocol

// ProtocolVersion is bumped whenever the gateway wire format changes in a
// way clients must know about.
const ProtocolVersion = "1"
