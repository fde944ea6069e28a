package parse

// Expected fields per result type, used for the coverage term of the
// quality score.
var expectedNutrients = []string{
	NutrientCalories,
	NutrientProtein,
	NutrientFat,
	NutrientCarbohydrates,
}

// QualityScore computes the deterministic 0..1 score: weighted sum of
// field coverage, unit-normalization success and OCR confidence when
// OCR ran (1.0 when it did not).
func QualityScore(res *Result) float64 {
	coverage := fieldCoverage(res)
	unitScore := unitSuccess(res)

	ocrTerm := 1.0
	if res.OCRUsed {
		ocrTerm = res.OCRConfidence
	}

	score := 0.5*coverage + 0.3*unitScore + 0.2*ocrTerm
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func fieldCoverage(res *Result) float64 {
	switch res.Type {
	case TypeNutritionLabel:
		if res.Nutrition == nil {
			return 0
		}
		var present int
		for _, key := range expectedNutrients {
			if _, ok := res.Nutrition.Nutrition[key]; ok {
				present++
			}
		}
		return float64(present) / float64(len(expectedNutrients))
	case TypeRecipe:
		if res.Recipe == nil {
			return 0
		}
		var present, total float64
		total = 4
		if res.Recipe.Title != "" {
			present++
		}
		if len(res.Recipe.Ingredients) > 0 {
			present++
		}
		if len(res.Recipe.Instructions) > 0 {
			present++
		}
		if res.Recipe.Servings > 0 || res.Recipe.PrepTime != "" || res.Recipe.CookTime != "" {
			present++
		}
		return present / total
	case TypeDietGuide:
		if res.Guide == nil || len(res.Guide.Sections) == 0 {
			return 0
		}
		if len(res.Guide.Sections) > 1 {
			return 1
		}
		return 0.5
	default:
		if res.RawText != "" {
			return 0.25
		}
		return 0
	}
}

// unitSuccess derives the normalization success rate from the warnings
// the parsers emit for each discarded value.
func unitSuccess(res *Result) float64 {
	var accepted int
	if res.Nutrition != nil {
		accepted = len(res.Nutrition.Nutrition)
	} else if res.Recipe != nil {
		accepted = len(res.Recipe.Ingredients)
	} else {
		return 1
	}
	rejected := len(res.Warnings)
	if accepted+rejected == 0 {
		return 0
	}
	return float64(accepted) / float64(accepted+rejected)
}
