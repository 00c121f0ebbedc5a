package errors

// Machine-readable codes reported in the `code` field of error responses.
const (
	CodeInvalidContentType     = "invalid_content_type"
	CodeInvalidBoundary        = "invalid_boundary"
	CodePayloadTooLarge        = "payload_too_large"
	CodeInvalidFormData        = "invalid_form_data"
	CodeUnexpectedField        = "unexpected_field"
	CodeInvalidFileCount       = "invalid_file_count"
	CodeMissingUploadID        = "missing_upload_id"
	CodeDuplicateUploadIDField = "duplicate_upload_id_field"
	CodeDuplicateFileSizeField = "duplicate_file_size_field"
	CodeInvalidUploadID        = "invalid_upload_id"
	CodeMissingFileSize        = "missing_file_size"
	CodeEmptyFile              = "empty_file"
	CodeFileTooLarge           = "file_too_large"
	CodeInvalidFileSize        = "invalid_file_size"
	CodeInvalidFileName        = "invalid_file_name"
	CodeDuplicateUploadID      = "duplicate_upload_id"
	CodeServerBusy             = "server_busy"
	CodeUploadAborted          = "upload_aborted"
	CodeIOError                = "io_error"
	CodeServerError            = "server_error"
)
