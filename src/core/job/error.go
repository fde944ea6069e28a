package job

import "fmt"

// ErrorKind classifies a failure for retry policy and HTTP mapping.
type ErrorKind string

const (
	// Validation kinds, surfaced at request time and never enqueued.
	KindTooLarge           ErrorKind = "too_large"
	KindEmpty              ErrorKind = "empty"
	KindWrongExtension     ErrorKind = "wrong_extension"
	KindNotPDF             ErrorKind = "not_pdf"
	KindCorruptSignature   ErrorKind = "corrupt_signature"
	KindSuspectedMalicious ErrorKind = "suspected_malicious"
	KindInvalidFilename    ErrorKind = "invalid_filename"

	// Transient kinds, nacked and retried.
	KindBlobIO           ErrorKind = "blob_io"
	KindStoreUnavailable ErrorKind = "store_unavailable"
	KindOCRTransient     ErrorKind = "ocr_transient"

	// Permanent kinds, acked as failed.
	KindUnparseable           ErrorKind = "unparseable"
	KindUnsupportedPDFVariant ErrorKind = "unsupported_pdf_variant"
	KindExtractorBug          ErrorKind = "extractor_bug"

	KindDeadlineExceeded ErrorKind = "deadline_exceeded"
	KindExhaustedRetries ErrorKind = "exhausted_retries"
	KindCancelled        ErrorKind = "cancelled"
	KindServerError      ErrorKind = "server_error"
)

// Transient reports whether a failure of this kind should be retried.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindBlobIO, KindStoreUnavailable, KindOCRTransient:
		return true
	}
	return false
}

// Error is the terminal failure recorded on a job.
type Error struct {
	Kind    ErrorKind              `json:"kind"`
	Message string                 `json:"message"`
	Stage   string                 `json:"stage,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a job error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces any error into a job error, wrapping unknown errors
// under the given fallback kind.
func AsError(err error, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	if je, ok := err.(*Error); ok {
		return je
	}
	return &Error{Kind: fallback, Message: err.Error()}
}
