package input

import (
	"fmt"
)

// ArgumentError occurs when evaluate options carry neither a source nor a file path.
type ArgumentError struct {
	Message string
}

func (e *ArgumentError) Error() string {
	return "invalid evaluate input: " + e.Message
}

// FileError occurs when an explicitly requested file cannot be read.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("failed to read source file '%s': %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// EncodingError occurs when a file cannot be decoded with the requested encoding.
type EncodingError struct {
	Path     string
	Encoding string
	Err      error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("failed to decode '%s' as %s: %v", e.Path, e.Encoding, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// CapabilityError occurs when a file path is given but local file access is unavailable.
type CapabilityError struct {
	Path string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("reading '%s' requires local file access, which is not available", e.Path)
}
