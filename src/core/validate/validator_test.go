package validate_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"nutriparse/src/core/job"
	"nutriparse/src/core/validate"
)

func pdfBytes(body string) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	b.WriteString("1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj\n")
	b.WriteString("2 0 obj << /Type /Pages /Kids [3 0 R] /Count 1 >> endobj\n")
	b.WriteString("3 0 obj << /Type /Page /Parent 2 0 R >> endobj\n")
	b.WriteString(body)
	b.WriteString("\n%%EOF\n")
	return b.Bytes()
}

func errKind(t *testing.T, err error) job.ErrorKind {
	t.Helper()
	var je *job.Error
	if !errors.As(err, &je) {
		t.Fatalf("expected *job.Error, got %T: %v", err, err)
	}
	return je.Kind
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		filename string
		opts     validate.Options
		wantKind job.ErrorKind
	}{
		{
			name:     "valid pdf",
			data:     pdfBytes("stream BT (hello) Tj ET endstream"),
			filename: "label.pdf",
		},
		{
			name:     "empty file",
			data:     nil,
			filename: "label.pdf",
			wantKind: job.KindEmpty,
		},
		{
			name:     "over global limit",
			data:     pdfBytes(strings.Repeat("x", 2048)),
			filename: "label.pdf",
			opts:     validate.Options{MaxFileSize: 1024},
			wantKind: job.KindTooLarge,
		},
		{
			name:     "over sync limit only",
			data:     pdfBytes(strings.Repeat("x", 2048)),
			filename: "label.pdf",
			opts:     validate.Options{MaxFileSize: 1 << 20, MaxSyncFileSize: 1024, SyncLimit: true},
			wantKind: job.KindTooLarge,
		},
		{
			name:     "wrong extension",
			data:     pdfBytes(""),
			filename: "label.docx",
			wantKind: job.KindWrongExtension,
		},
		{
			name:     "uppercase extension accepted",
			data:     pdfBytes(""),
			filename: "LABEL.PDF",
		},
		{
			name:     "missing magic",
			data:     []byte("not a pdf at all, honest"),
			filename: "label.pdf",
			wantKind: job.KindNotPDF,
		},
		{
			name:     "javascript action",
			data:     pdfBytes("4 0 obj << /JS (app.alert(1)) >> endobj"),
			filename: "label.pdf",
			wantKind: job.KindSuspectedMalicious,
		},
		{
			name:     "launch action",
			data:     pdfBytes("4 0 obj << /Launch (cmd.exe) >> endobj"),
			filename: "label.pdf",
			wantKind: job.KindSuspectedMalicious,
		},
		{
			name:     "open action with executable verb",
			data:     pdfBytes("4 0 obj << /OpenAction << /S /JavaScript >> >> endobj"),
			filename: "label.pdf",
			wantKind: job.KindSuspectedMalicious,
		},
		{
			name:     "embedded file without executable mime is fine",
			data:     pdfBytes("4 0 obj << /EmbeddedFile /Subtype /image#2Fpng >> endobj"),
			filename: "label.pdf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := validate.Validate(tt.data, tt.filename, tt.opts)
			if tt.wantKind != "" {
				if err == nil {
					t.Fatalf("expected error kind %s, got info %+v", tt.wantKind, info)
				}
				if got := errKind(t, err); got != tt.wantKind {
					t.Errorf("kind = %s, want %s", got, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.Hash == "" || info.Size != int64(len(tt.data)) {
				t.Errorf("bad info: %+v", info)
			}
			if info.MIME != "application/pdf" {
				t.Errorf("mime = %s", info.MIME)
			}
		})
	}
}

func TestValidateTruncatedPDFIsWarning(t *testing.T) {
	data := []byte("%PDF-1.4\nsome content without trailer")
	info, err := validate.Validate(data, "cut.pdf", validate.Options{})
	if err != nil {
		t.Fatalf("truncated pdf should pass: %v", err)
	}
	if !info.TruncatedPDF {
		t.Error("expected TruncatedPDF flag")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"label.pdf", "label.pdf"},
		{"../../etc/passwd.pdf", "passwd.pdf"},
		{"a<b>c:d.pdf", "a_b_c_d.pdf"},
		{"dir\\sub\\file.pdf", "file.pdf"},
		{"bad\x00name\x1f.pdf", "badname.pdf"},
		{"...", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := validate.SanitizeFilename(tt.in)
			if got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
			// closed under itself
			if again := validate.SanitizeFilename(got); again != got {
				t.Errorf("not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestValidateSynthesizesFilename(t *testing.T) {
	info, err := validate.Validate(pdfBytes(""), "....pdf", validate.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Filename == "" || !strings.HasSuffix(info.Filename, ".pdf") {
		t.Errorf("expected synthesized name, got %q", info.Filename)
	}
}
