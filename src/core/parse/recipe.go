package parse

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

var (
	ingredientsHeader  = regexp.MustCompile(`(?im)^\s*(?:ingredients|配料|材料)\s*[：:]?\s*$`)
	instructionsHeader = regexp.MustCompile(`(?im)^\s*(?:instructions|directions|method|steps|做法|步骤)\s*[：:]?\s*$`)
	stepLine           = regexp.MustCompile(`^\s*\d+[\.\)、]\s*(.+)$`)
	prepTimeRe         = regexp.MustCompile(`(?i)(?:prep time|准备时间)[：:]?\s*([^\n]+)`)
	cookTimeRe         = regexp.MustCompile(`(?i)(?:cook(?:ing)? time|烹饪时间)[：:]?\s*([^\n]+)`)
	servingsRe         = regexp.MustCompile(`(?i)(?:serves|servings|份量)[：:]?\s*(\d+)`)
	difficultyRe       = regexp.MustCompile(`(?i)(?:difficulty|难度)[：:]?\s*([^\n]+)`)

	// quantity, optional unit, name, optional ", preparation"
	ingredientLine = regexp.MustCompile(`^\s*(\d+(?:[\./]\d+)?)?\s*(cups?|tablespoons?|tbsp|teaspoons?|tsp|grams?|g|kg|ml|l|oz|lbs?|pieces?|cloves?|克|杯|勺|个|片|瓣)?\.?\s+(.+?)(?:\s*[,，]\s*(.+))?\s*$`)
)

// RecipeParser splits a recipe by its section headers, parses numbered
// instructions and tokenizes the ingredient list.
type RecipeParser struct{}

func (p *RecipeParser) CanHandle(t Type) bool { return t == TypeRecipe }

func (p *RecipeParser) Parse(ctx context.Context, doc *Document) (*Result, error) {
	lines := strings.Split(doc.Text, "\n")

	res := &Result{
		Type:    TypeRecipe,
		RawText: doc.Text,
	}
	recipe := &RecipeResult{}

	// title: first non-empty line before any section header
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !ingredientsHeader.MatchString(line) && !instructionsHeader.MatchString(line) {
			recipe.Title = line
		}
		break
	}

	const (
		sectionNone = iota
		sectionIngredients
		sectionInstructions
	)
	section := sectionNone
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		switch {
		case ingredientsHeader.MatchString(line):
			section = sectionIngredients
			continue
		case instructionsHeader.MatchString(line):
			section = sectionInstructions
			continue
		}

		switch section {
		case sectionIngredients:
			if ing, ok := parseIngredient(line); ok {
				recipe.Ingredients = append(recipe.Ingredients, ing)
			}
		case sectionInstructions:
			if m := stepLine.FindStringSubmatch(line); m != nil {
				recipe.Instructions = append(recipe.Instructions, strings.TrimSpace(m[1]))
			}
		}
	}

	if m := prepTimeRe.FindStringSubmatch(doc.Text); m != nil {
		recipe.PrepTime = strings.TrimSpace(m[1])
	}
	if m := cookTimeRe.FindStringSubmatch(doc.Text); m != nil {
		recipe.CookTime = strings.TrimSpace(m[1])
	}
	if m := servingsRe.FindStringSubmatch(doc.Text); m != nil {
		recipe.Servings, _ = strconv.Atoi(m[1])
	}
	if m := difficultyRe.FindStringSubmatch(doc.Text); m != nil {
		recipe.Difficulty = strings.TrimSpace(m[1])
	}

	if len(recipe.Ingredients) == 0 && len(recipe.Instructions) == 0 {
		return nil, &StageError{
			Stage:   StageExtractStructured,
			Kind:    "unparseable",
			Message: "no ingredients or instructions found",
		}
	}

	res.Recipe = recipe
	return res, nil
}

func parseIngredient(line string) (Ingredient, bool) {
	// drop bullet markers
	line = strings.TrimLeft(line, "-•*· ")
	if line == "" {
		return Ingredient{}, false
	}

	m := ingredientLine.FindStringSubmatch(line)
	if m == nil {
		return Ingredient{Name: line}, true
	}

	ing := Ingredient{
		Unit:        m[2],
		Name:        strings.TrimSpace(m[3]),
		Preparation: strings.TrimSpace(m[4]),
	}
	if m[1] != "" {
		ing.Quantity = parseQuantity(m[1])
	}
	if ing.Name == "" {
		return Ingredient{}, false
	}
	return ing, true
}

// parseQuantity handles plain decimals and fractions like 1/2.
func parseQuantity(s string) float64 {
	if strings.Contains(s, "/") {
		parts := strings.SplitN(s, "/", 2)
		a, errA := strconv.ParseFloat(parts[0], 64)
		b, errB := strconv.ParseFloat(parts[1], 64)
		if errA == nil && errB == nil && b != 0 {
			return a / b
		}
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
