package parse_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"nutriparse/src/core/parse"
)

// pdfWithText builds a minimal one-page PDF whose content stream the
// built-in extractor understands. Newlines inside text must be passed
// as \n escapes in the literal.
func pdfWithText(text string) []byte {
	escaped := strings.NewReplacer("\\", "\\\\", "(", "\\(", ")", "\\)", "\n", "\\n").Replace(text)
	return []byte(fmt.Sprintf(`%%PDF-1.4
1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj
2 0 obj << /Type /Pages /Kids [3 0 R] /Count 1 >> endobj
3 0 obj << /Type /Page /Parent 2 0 R /Contents 4 0 R >> endobj
4 0 obj << /Length %d >> stream
BT (%s) Tj ET
endstream endobj
%%%%EOF
`, len(escaped)+12, escaped))
}

func TestStreamExtractor(t *testing.T) {
	data := pdfWithText("Nutrition Facts\nCalories 250")
	text, pages, err := parse.NewStreamExtractor().Extract(context.Background(), data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pages != 1 {
		t.Errorf("pages = %d", pages)
	}
	if !strings.Contains(text, "Nutrition Facts") || !strings.Contains(text, "Calories 250") {
		t.Errorf("text = %q", text)
	}
	if !strings.Contains(text, "\n") {
		t.Errorf("newline escape not decoded: %q", text)
	}
}

func TestPipelineAutoNutrition(t *testing.T) {
	p := parse.NewPipeline(parse.NewRegistry())
	data := pdfWithText("Nutrition Facts\nCalories 250\nProtein 6g")

	var stages []string
	res, err := p.Run(context.Background(), parse.Request{
		JobID: "j1",
		Type:  parse.TypeAuto,
		Data:  data,
	}, func(stage string, percent int) {
		stages = append(stages, fmt.Sprintf("%s=%d", stage, percent))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Type != parse.TypeNutritionLabel {
		t.Fatalf("type = %s", res.Type)
	}
	cal := res.Nutrition.Nutrition[parse.NutrientCalories]
	if cal.Value != 250 || cal.Unit != "kcal" {
		t.Errorf("calories = %+v", cal)
	}
	if res.QualityScore <= 0 || res.QualityScore > 1 {
		t.Errorf("quality = %v", res.QualityScore)
	}

	want := []string{
		"extract_basic_info=5",
		"detect_type=10",
		"extract_text=40",
		"extract_structured=80",
		"quality_score=90",
	}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v", stages)
	}
	for i, s := range want {
		if stages[i] != s {
			t.Errorf("stage[%d] = %s, want %s", i, stages[i], s)
		}
	}
}

type fakeOCR struct {
	text       string
	confidence float64
	err        error
	calls      int
}

func (f *fakeOCR) Recognize(ctx context.Context, data []byte, languages []string) (string, float64, error) {
	f.calls++
	return f.text, f.confidence, f.err
}

func TestPipelineOCRFallback(t *testing.T) {
	engine := &fakeOCR{text: "Nutrition Facts\nCalories 180\nProtein 4g", confidence: 0.62}
	p := parse.NewPipeline(parse.NewRegistry(), parse.WithOCR(engine, []string{"eng"}))

	// scanned page: no extractable text layer
	res, err := p.Run(context.Background(), parse.Request{
		JobID: "j2",
		Type:  parse.TypeAuto,
		Data:  []byte("%PDF-1.4\n1 0 obj << /Type /Page >> endobj\n%%EOF"),
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if engine.calls != 1 {
		t.Fatalf("ocr calls = %d", engine.calls)
	}
	if !res.OCRUsed {
		t.Error("expected OCRUsed")
	}
	if res.RawText == "" {
		t.Error("raw text empty after ocr")
	}
	if res.QualityScore > 0.7 {
		t.Errorf("quality = %v, want <= 0.7 for ocr result", res.QualityScore)
	}
}

func TestPipelineOCRErrorDemotedWithTextLayer(t *testing.T) {
	engine := &fakeOCR{err: errors.New("ocr sidecar down")}
	p := parse.NewPipeline(parse.NewRegistry(), parse.WithOCR(engine, nil))

	// short but non-empty text layer triggers the fallback, whose
	// failure must not sink the job
	res, err := p.Run(context.Background(), parse.Request{
		JobID: "j3",
		Type:  parse.TypeDietGuide,
		Data:  pdfWithText("Eat less sugar."),
	}, nil)
	if err != nil {
		t.Fatalf("ocr failure should be demoted: %v", err)
	}
	if res.Type != parse.TypeDietGuide {
		t.Errorf("type = %s", res.Type)
	}
}

func TestPipelineOCRErrorFatalWithoutText(t *testing.T) {
	engine := &fakeOCR{err: errors.New("ocr sidecar down")}
	p := parse.NewPipeline(parse.NewRegistry(), parse.WithOCR(engine, nil))

	_, err := p.Run(context.Background(), parse.Request{
		JobID: "j4",
		Type:  parse.TypeAuto,
		Data:  []byte("%PDF-1.4\n%%EOF"),
	}, nil)
	var se *parse.StageError
	if !errors.As(err, &se) || se.Kind != "ocr_transient" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPipelineCancellation(t *testing.T) {
	p := parse.NewPipeline(parse.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())

	data := pdfWithText("Nutrition Facts\nCalories 100")
	var cancelled bool
	_, err := p.Run(ctx, parse.Request{JobID: "j5", Type: parse.TypeAuto, Data: data},
		func(stage string, percent int) {
			if stage == parse.StageDetectType && !cancelled {
				cancelled = true
				cancel()
			}
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPipelineExplicitTypeSkipsDetection(t *testing.T) {
	p := parse.NewPipeline(parse.NewRegistry())
	// nutrition-looking text parsed as diet guide because the client
	// said so
	res, err := p.Run(context.Background(), parse.Request{
		JobID: "j6",
		Type:  parse.TypeDietGuide,
		Data:  pdfWithText("Nutrition Facts\nCalories 250"),
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Type != parse.TypeDietGuide {
		t.Errorf("type = %s", res.Type)
	}
}

func TestQualityScoreDeterministic(t *testing.T) {
	res := &parse.Result{
		Type: parse.TypeNutritionLabel,
		Nutrition: &parse.NutritionResult{
			Nutrition: map[string]parse.Nutrient{
				parse.NutrientCalories: {Value: 250, Unit: "kcal"},
				parse.NutrientProtein:  {Value: 5, Unit: "g"},
			},
		},
	}
	a := parse.QualityScore(res)
	b := parse.QualityScore(res)
	if a != b {
		t.Fatalf("score not deterministic: %v vs %v", a, b)
	}
	// half coverage, full unit success, no ocr: 0.5*0.5 + 0.3 + 0.2
	if a < 0.74 || a > 0.76 {
		t.Errorf("score = %v, want 0.75", a)
	}
}
