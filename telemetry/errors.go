package telemetry

import "errors"

// Typed log-format errors (spec §7, kind 5: "All are typed and raised to
// the caller").
var (
	ErrTruncated           = errors.New("telemetry: truncated block")
	ErrInvalidHeader       = errors.New("telemetry: invalid header")
	ErrInvalidBlockType    = errors.New("telemetry: invalid block type")
	ErrUnknownFlag         = errors.New("telemetry: unknown data/schema/index/seek flag")
	ErrTypeMismatch        = errors.New("telemetry: type mismatch against schema")
	ErrChecksumMismatch    = errors.New("telemetry: data checksum mismatch")
	ErrDecompression       = errors.New("telemetry: decompression error")
	ErrUnknownIdentifier   = errors.New("telemetry: data block refers to an unregistered schema id")
	ErrDuplicateIdentifier = errors.New("telemetry: name already bound to a different identifier")
)
