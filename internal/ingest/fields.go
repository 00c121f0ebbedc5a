package ingest

import (
	"fmt"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"

	uperrors "github.com/conneroisu/uprelay/internal/errors"
)

// Form field names of an upload request, in the order they must appear.
const (
	FieldUploadID = "uploadId"
	FieldFileSize = "fileSize"
	FieldFile     = "file"
)

// UploadIDLength is the length of a valid upload id.
const UploadIDLength = 32

// ValidUploadID reports whether id is exactly 32 hexadecimal characters.
// Both letter cases are accepted and ids are compared as given.
func ValidUploadID(id string) bool {
	if len(id) != UploadIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ErrInvalidUploadID is the error reported for a malformed upload id.
func ErrInvalidUploadID() *uperrors.UploadError {
	return uperrors.NewValidationError(uperrors.CodeInvalidUploadID,
		"uploadId must be a 32-character hex string.")
}

// ParseFileSize validates a declared fileSize value: base-10 digits only,
// greater than zero and at most maxFileSize.
func ParseFileSize(value string, maxFileSize int64) (int64, error) {
	if value == "" {
		return 0, uperrors.NewValidationError(uperrors.CodeInvalidFileSize,
			"fileSize must be a positive integer.")
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return 0, uperrors.NewValidationError(uperrors.CodeInvalidFileSize,
				"fileSize must be a positive integer.")
		}
	}

	size, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, uperrors.NewValidationError(uperrors.CodeInvalidFileSize,
			"fileSize must be a positive integer.").WithCause(err)
	}
	if size == 0 {
		return 0, uperrors.NewValidationError(uperrors.CodeInvalidFileSize,
			"fileSize must be greater than zero.")
	}
	if size > maxFileSize {
		return 0, uperrors.NewTooLargeError(uperrors.CodeFileTooLarge,
			fmt.Sprintf("File exceeds %d bytes.", maxFileSize))
	}
	return size, nil
}

// multipartBoundary extracts the boundary of a multipart/form-data content
// type.
func multipartBoundary(contentType string, maxLength int) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	boundary := strings.TrimSpace(params["boundary"])
	if err != nil || mediaType != "multipart/form-data" || boundary == "" {
		return "", uperrors.NewValidationError(uperrors.CodeInvalidContentType,
			"Expected multipart/form-data with a valid boundary.")
	}
	if len(params["boundary"]) > maxLength {
		return "", uperrors.NewValidationError(uperrors.CodeInvalidBoundary,
			"Multipart boundary is too long.")
	}
	return params["boundary"], nil
}

// partInfo is the parsed Content-Disposition of a multipart section.
type partInfo struct {
	name     string
	fileName string
	isFile   bool
}

func parseDisposition(part *multipart.Part) (partInfo, error) {
	disposition, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return partInfo{}, uperrors.NewValidationError(uperrors.CodeInvalidFormData,
			"Invalid content-disposition header.").WithCause(err)
	}
	if disposition != "form-data" {
		return partInfo{}, uperrors.NewValidationError(uperrors.CodeInvalidFormData,
			"Invalid multipart section disposition.")
	}

	name := strings.TrimSpace(params["name"])
	if name == "" {
		return partInfo{}, uperrors.NewValidationError(uperrors.CodeInvalidFormData,
			"Multipart section is missing a field name.")
	}

	// filename* is decoded into "filename" by ParseMediaType.
	fileName := params["filename"]
	return partInfo{
		name:     name,
		fileName: fileName,
		isFile:   strings.TrimSpace(fileName) != "",
	}, nil
}
