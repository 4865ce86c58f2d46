// Package protocol owns wire primitives shared by the annotation client and
// the stub server.
//
// Ownership boundary:
// - frame: varint length-delimited message framing
//
// Documents carried inside frames are owned by internal/document.
package protocol
