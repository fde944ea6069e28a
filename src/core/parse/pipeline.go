package parse

import (
	"context"
	"fmt"
	"strings"
)

// Stage labels, also the cancellation boundaries.
const (
	StageExtractBasicInfo  = "extract_basic_info"
	StageDetectType        = "detect_type"
	StageExtractText       = "extract_text"
	StageOCRFallback       = "ocr_fallback"
	StageExtractStructured = "extract_structured"
	StageQualityScore      = "quality_score"
	StageCommit            = "commit"
)

// progress checkpoints per stage
var stagePercent = map[string]int{
	StageExtractBasicInfo:  5,
	StageDetectType:        10,
	StageExtractText:       40,
	StageOCRFallback:       40,
	StageExtractStructured: 80,
	StageQualityScore:      90,
	StageCommit:            100,
}

// minCharsPerPage is the text-density threshold below which OCR runs.
const minCharsPerPage = 40

// StageError carries the failing stage and an error kind string the
// caller maps onto its taxonomy.
type StageError struct {
	Stage   string
	Kind    string
	Message string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Stage, e.Kind, e.Message)
}

// ProgressFunc receives (stage, percent) notifications. Callers decide
// how to forward them; the worker coalesces writes to the job store.
type ProgressFunc func(stage string, percent int)

// Request is one pipeline execution.
type Request struct {
	JobID    string
	Filename string
	Type     Type
	Data     []byte
}

// Pipeline runs the ordered parse stages against the registry.
// Cancellation is observed at every stage boundary; progress is emitted
// as each stage begins.
type Pipeline struct {
	registry   *Registry
	extractor  TextExtractor
	ocr        OCREngine
	ocrEnabled bool
	languages  []string
}

type PipelineOption func(*Pipeline)

func WithOCR(engine OCREngine, languages []string) PipelineOption {
	return func(p *Pipeline) {
		p.ocr = engine
		p.ocrEnabled = engine != nil
		p.languages = languages
	}
}

func WithExtractor(e TextExtractor) PipelineOption {
	return func(p *Pipeline) { p.extractor = e }
}

func NewPipeline(registry *Registry, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		registry:  registry,
		extractor: NewStreamExtractor(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the stages and returns the structured result. A nil
// error always comes with a non-nil result. Errors are *StageError
// except for context cancellation, which surfaces as ctx.Err().
func (p *Pipeline) Run(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	emit := func(stage string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if progress != nil {
			progress(stage, stagePercent[stage])
		}
		return nil
	}

	// extract_basic_info
	if err := emit(StageExtractBasicInfo); err != nil {
		return nil, err
	}
	doc := &Document{Data: req.Data}

	// extract_text runs before detection needs it, but the declared
	// order keeps detect_type at its 10% checkpoint for auto requests.
	text, pages, err := p.extractor.Extract(ctx, req.Data)
	if err != nil {
		return nil, &StageError{Stage: StageExtractText, Kind: "unsupported_pdf_variant", Message: err.Error()}
	}
	doc.Text = text
	doc.Pages = pages

	// detect_type
	if err := emit(StageDetectType); err != nil {
		return nil, err
	}
	docType := req.Type
	if docType == TypeAuto || docType == "" {
		docType = DetectType(text)
	}

	// extract_text checkpoint
	if err := emit(StageExtractText); err != nil {
		return nil, err
	}

	// ocr_fallback
	if p.needOCR(doc) {
		if err := emit(StageOCRFallback); err != nil {
			return nil, err
		}
		ocrText, confidence, ocrErr := p.ocr.Recognize(ctx, req.Data, p.languages)
		switch {
		case ocrErr != nil && strings.TrimSpace(doc.Text) != "":
			// demoted: the text layer is usable without OCR
		case ocrErr != nil:
			return nil, &StageError{Stage: StageOCRFallback, Kind: "ocr_transient", Message: ocrErr.Error()}
		default:
			doc.Text = ocrText
			doc.OCRUsed = true
			doc.OCRConfidence = confidence
			if docType == TypeUnknown && req.Type == TypeAuto {
				docType = DetectType(ocrText)
			}
		}
	}

	// extract_structured
	if err := emit(StageExtractStructured); err != nil {
		return nil, err
	}
	parser := p.registry.Resolve(docType)
	result, err := parser.Parse(ctx, doc)
	if err != nil {
		if se, ok := err.(*StageError); ok {
			return nil, se
		}
		return nil, &StageError{Stage: StageExtractStructured, Kind: "extractor_bug", Message: err.Error()}
	}

	// quality_score
	if err := emit(StageQualityScore); err != nil {
		return nil, err
	}
	result.PageCount = doc.Pages
	result.OCRUsed = doc.OCRUsed
	result.OCRConfidence = doc.OCRConfidence
	result.QualityScore = QualityScore(result)
	if doc.OCRUsed {
		result.Warnings = append(result.Warnings, "text recovered via ocr fallback")
	}

	return result, nil
}

func (p *Pipeline) needOCR(doc *Document) bool {
	if !p.ocrEnabled || p.ocr == nil {
		return false
	}
	pages := doc.Pages
	if pages < 1 {
		pages = 1
	}
	return len(doc.Text)/pages < minCharsPerPage
}
