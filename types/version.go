package types

// Version is the canonical project version.
// The CLI, the wire protocol, and the worker handshake share this version
// under the lockstep versioning policy.
const Version = "0.3.0"

// ProtocolVersion is the wire protocol version carried in the hello frame.
// A worker rejects a coordinator whose major protocol version differs.
const ProtocolVersion = "1.0"
