/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package plenum

// MessagePayload is the marker interface every wire message type
// implements (package wire). Kept here, rather than in package wire,
// so that Envelope -- used throughout Actions -- does not force every
// consumer of this package to import wire, and so wire can freely
// import plenum for ids without a cycle.
type MessagePayload interface {
	// MessageType returns the tag used for dispatch (spec.md §9: "tagged
	// variant for messages" instead of runtime-type dispatch).
	MessageType() string
}

// Envelope is the canonical wire-compatible shape of spec.md §6: a type
// tag (implicit in Payload's concrete type), the instance id the
// message belongs to (0 for pool/view-level messages that aren't
// per-instance), and the payload itself.
type Envelope struct {
	Instance InstanceID
	Payload  MessagePayload
}

func (e Envelope) MessageType() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.MessageType()
}
