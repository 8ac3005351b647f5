package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldTaskID    = "task_id"
	FieldUserID    = "user_id"
	FieldVideoID   = "video_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldProgress  = "progress"

	// Path fields
	FieldPath       = "path"
	FieldOutputFile = "output_file"
)
