package policy

import "errors"

var (
	// ErrMalformedPolicyBlob is returned for bad hex, a length that is not the
	// configured schema's width, or non-zero bits outside every field.
	ErrMalformedPolicyBlob = errors.New("malformed policy blob")

	// ErrUnknownSchemaVersion is returned for an unknown schema name, or when no
	// supported schema has the length of the blob.
	ErrUnknownSchemaVersion = errors.New("unknown policy schema version")

	ErrFieldOverflow    = errors.New("field value does not fit its width")
	ErrFieldNotInSchema = errors.New("field is not part of the schema")
)
