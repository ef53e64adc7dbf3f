// Package subframe implements the parse/dispatch engine that walks one
// frame payload, invoking a register backend or tunnel endpoint for each
// subframe's side effect and optionally assembling a response (spec
// §4.B).
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package subframe

import "github.com/corvid-robotics/multiplex/register"

// Tag is the varuint subframe discriminator (spec §3's table). Register
// tag groups carry their value-width in the low two bits.
type Tag uint64

const (
	TagWriteSingleBase   Tag = 0x10
	TagWriteMultipleBase Tag = 0x14
	TagReadSingleBase    Tag = 0x18
	TagReadMultipleBase  Tag = 0x1c
	TagReplySingleBase   Tag = 0x20
	TagReplyMultipleBase Tag = 0x24
	TagWriteError        Tag = 0x28
	TagReadError         Tag = 0x29

	TagClientToServer   Tag = 0x40
	TagServerToClient   Tag = 0x41
	TagClientPollServer Tag = 0x42
)

// class identifies which of the four register-subframe groups a tag
// belongs to, independent of its value-width bits.
type class int

const (
	classNone class = iota
	classWriteSingle
	classWriteMultiple
	classReadSingle
	classReadMultiple
	classReplySingle
	classReplyMultiple
)

// classify masks off the low two type-width bits to recognize the tag
// group (spec §4.B: "dispatch by tag class (the four register tag groups
// are recognized by masking off the low two type bits)").
func classify(tag Tag) (class, register.TypeIndex, bool) {
	if tag < 0x10 || tag > 0x27 {
		return classNone, 0, false
	}
	base := tag &^ 0x03
	ti := register.TypeIndex(tag & 0x03)
	switch base {
	case TagWriteSingleBase:
		return classWriteSingle, ti, true
	case TagWriteMultipleBase:
		return classWriteMultiple, ti, true
	case TagReadSingleBase:
		return classReadSingle, ti, true
	case TagReadMultipleBase:
		return classReadMultiple, ti, true
	case TagReplySingleBase:
		return classReplySingle, ti, true
	case TagReplyMultipleBase:
		return classReplyMultiple, ti, true
	default:
		return classNone, 0, false
	}
}
