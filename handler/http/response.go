package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"nutriparse/src/core/job"
)

// Envelope is the uniform response shape. Errors add the error body;
// success responses add data.
type Envelope struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

type ErrorBody struct {
	Type    string      `json:"type"`
	Details interface{} `json:"details,omitempty"`
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Envelope{
		Code:      status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: RequestID(c),
	})
}

func respondOK(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, "ok", data)
}

func respondAccepted(c *gin.Context, message string, data interface{}) {
	respond(c, http.StatusAccepted, message, data)
}

func respondError(c *gin.Context, status int, errType, message string, details interface{}) {
	c.JSON(status, Envelope{
		Code:      status,
		Message:   message,
		Error:     &ErrorBody{Type: errType, Details: details},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: RequestID(c),
	})
}

// respondJobError maps a typed job error onto its HTTP status.
func respondJobError(c *gin.Context, jerr *job.Error) {
	respondError(c, statusForKind(jerr.Kind), string(jerr.Kind), jerr.Message, jerr.Details)
}

func statusForKind(kind job.ErrorKind) int {
	switch kind {
	case job.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case job.KindEmpty, job.KindWrongExtension, job.KindNotPDF,
		job.KindCorruptSignature, job.KindSuspectedMalicious, job.KindInvalidFilename:
		return http.StatusBadRequest
	case job.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case job.KindUnparseable, job.KindUnsupportedPDFVariant:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
