package parse

import (
	"regexp"
	"strings"
)

var (
	nutritionMarkers = []string{
		"nutrition facts",
		"nutrition information",
		"营养成分",
		"营养标签",
		"per 100g",
		"每100克",
	}
	recipeMarkers = []string{
		"ingredients",
		"配料",
		"材料",
	}
	numberedStep = regexp.MustCompile(`(?m)^\s*\d+[\.\)、]\s+\S`)
)

// DetectType classifies extracted text when the client asked for auto.
// Nutrition markers win over recipe markers; a recipe additionally needs
// numbered steps; everything else is treated as a dietary guide, and
// empty text is unknown.
func DetectType(text string) Type {
	if strings.TrimSpace(text) == "" {
		return TypeUnknown
	}
	lower := strings.ToLower(text)

	for _, m := range nutritionMarkers {
		if strings.Contains(lower, m) {
			return TypeNutritionLabel
		}
	}

	for _, m := range recipeMarkers {
		if strings.Contains(lower, m) && numberedStep.MatchString(text) {
			return TypeRecipe
		}
	}

	return TypeDietGuide
}
