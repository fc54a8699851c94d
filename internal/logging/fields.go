package logging

// Field name constants for structured logging.
const (
	// Common fields.
	FieldError = "error"
	FieldPath  = "path"

	// Document fields.
	FieldLength  = "length"
	FieldVersion = "version"
	FieldPieces  = "pieces"
	FieldLazy    = "lazy"

	// Journal fields.
	FieldMark    = "mark"
	FieldDropped = "dropped"
	FieldCursors = "cursors"

	// Cache fields.
	FieldPolicy = "policy"
	FieldBudget = "budget"

	// Build fields.
	FieldCommit = "commit"
	FieldBuilt  = "built"
)
