package validate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"nutriparse/src/core/job"
)

const (
	// DefaultMaxFileSize caps all uploads.
	DefaultMaxFileSize = 50 << 20
	// DefaultMaxSyncFileSize caps uploads on the synchronous path.
	DefaultMaxSyncFileSize = 5 << 20

	headWindow = 1024
	tailWindow = 1024
)

var pdfMagic = []byte("%PDF-")

// maliciousTokens are rejected wherever they appear in the raw object
// streams. Conservative: false positives beat silent acceptance.
var maliciousTokens = [][]byte{
	[]byte("/JS"),
	[]byte("/JavaScript"),
	[]byte("/Launch"),
}

// executable MIME fragments that make an /EmbeddedFile suspicious.
var executableMIMEs = [][]byte{
	[]byte("application#2Fx-msdownload"),
	[]byte("application/x-msdownload"),
	[]byte("application/x-executable"),
	[]byte("application/x-sh"),
}

// action verbs that make an /OpenAction suspicious.
var actionVerbs = [][]byte{
	[]byte("/Launch"),
	[]byte("/JavaScript"),
	[]byte("/SubmitForm"),
	[]byte("/ImportData"),
}

// Options tunes a validation run.
type Options struct {
	MaxFileSize     int64
	MaxSyncFileSize int64
	// SyncLimit additionally enforces MaxSyncFileSize (sync parse path).
	SyncLimit bool
}

// Info describes an accepted upload.
type Info struct {
	Filename      string `json:"filename"`
	Size          int64  `json:"size"`
	MIME          string `json:"mime"`
	PageCountHint int    `json:"page_count_hint"`
	Hash          string `json:"hash"`
	// TruncatedPDF flags a missing %%EOF trailer; tolerated, not fatal.
	TruncatedPDF bool `json:"truncated_pdf,omitempty"`
}

// Validate runs the upload checks in order, failing fast with a typed
// *job.Error on the first violation.
func Validate(data []byte, filename string, opts Options) (*Info, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxSyncFileSize <= 0 {
		opts.MaxSyncFileSize = DefaultMaxSyncFileSize
	}

	size := int64(len(data))
	if size == 0 {
		return nil, job.NewError(job.KindEmpty, "file is empty")
	}
	if size > opts.MaxFileSize {
		return nil, job.NewError(job.KindTooLarge,
			"file size %d exceeds limit %d", size, opts.MaxFileSize)
	}
	if opts.SyncLimit && size > opts.MaxSyncFileSize {
		return nil, job.NewError(job.KindTooLarge,
			"file size %d exceeds synchronous limit %d, submit via /parse/async instead", size, opts.MaxSyncFileSize)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext != "pdf" {
		return nil, job.NewError(job.KindWrongExtension,
			"only pdf files are accepted, got %q", ext)
	}

	head := data
	if len(head) > headWindow {
		head = head[:headWindow]
	}
	if !bytes.Contains(head, pdfMagic) {
		return nil, job.NewError(job.KindNotPDF, "missing %%PDF- signature in first %d bytes", headWindow)
	}

	tail := data
	if len(tail) > tailWindow {
		tail = tail[len(tail)-tailWindow:]
	}
	truncated := !bytes.Contains(tail, []byte("%%EOF"))

	if kind, tok := scanMalicious(data); kind != "" {
		return nil, &job.Error{
			Kind:    job.KindSuspectedMalicious,
			Message: fmt.Sprintf("suspicious token %s in document", tok),
		}
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	clean := SanitizeFilename(filename)
	if clean == "" {
		clean = hash[:16] + ".pdf"
	}

	return &Info{
		Filename:      clean,
		Size:          size,
		MIME:          "application/pdf",
		PageCountHint: pageCountHint(data),
		Hash:          hash,
		TruncatedPDF:  truncated,
	}, nil
}

func scanMalicious(data []byte) (job.ErrorKind, string) {
	for _, tok := range maliciousTokens {
		if containsToken(data, tok) {
			return job.KindSuspectedMalicious, string(tok)
		}
	}
	if containsToken(data, []byte("/EmbeddedFile")) {
		for _, mime := range executableMIMEs {
			if bytes.Contains(data, mime) {
				return job.KindSuspectedMalicious, "/EmbeddedFile"
			}
		}
	}
	if containsToken(data, []byte("/OpenAction")) {
		for _, verb := range actionVerbs {
			if containsToken(data, verb) {
				return job.KindSuspectedMalicious, "/OpenAction"
			}
		}
	}
	return "", ""
}

// containsToken matches a PDF name token, requiring the next byte to be
// a delimiter so /JS does not fire on /JSName.
func containsToken(data, tok []byte) bool {
	for idx := bytes.Index(data, tok); idx >= 0; {
		end := idx + len(tok)
		if end >= len(data) || isDelim(data[end]) {
			return true
		}
		next := bytes.Index(data[idx+1:], tok)
		if next < 0 {
			return false
		}
		idx = idx + 1 + next
	}
	return false
}

func isDelim(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func pageCountHint(data []byte) int {
	n := bytes.Count(data, []byte("/Type /Page"))
	// subtract the page-tree nodes counted by the broader match
	n -= bytes.Count(data, []byte("/Type /Pages"))
	n += bytes.Count(data, []byte("/Type/Page")) - bytes.Count(data, []byte("/Type/Pages"))
	if n < 1 {
		n = 1
	}
	return n
}

// SanitizeFilename strips path separators and control characters and
// bounds the length. It is closed under itself: sanitize(sanitize(x))
// == sanitize(x).
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// drop control characters
		case strings.ContainsRune(`<>:"|?*/\`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > 255 {
		ext := filepath.Ext(out)
		out = out[:255-len(ext)] + ext
	}
	stem := strings.TrimSuffix(out, filepath.Ext(out))
	if strings.Trim(stem, "._ ") == "" {
		return ""
	}
	return out
}
