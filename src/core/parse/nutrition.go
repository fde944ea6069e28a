package parse

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const num = `(\d+(?:\.\d+)?)`

// nutrientPattern extracts one nutrient: group 1 is the value, group 2
// the unit (may be empty, then defaultUnit applies).
type nutrientPattern struct {
	key         string
	re          *regexp.Regexp
	defaultUnit string
}

func np(key, labels, units, defaultUnit string) nutrientPattern {
	return nutrientPattern{
		key:         key,
		re:          regexp.MustCompile(`(?i)(?:` + labels + `)[：:]?\s*` + num + `\s*(` + units + `)?`),
		defaultUnit: defaultUnit,
	}
}

var nutrientPatterns = []nutrientPattern{
	np(NutrientCalories, `calories|energy|能量|热量`, `kcal|kj|cal|千焦|千卡|大卡`, "kcal"),
	np(NutrientProtein, `protein|蛋白质`, `g|mg|克|毫克`, "g"),
	np(NutrientFat, `total fat|fat|脂肪`, `g|mg|克|毫克`, "g"),
	np(NutrientCarbohydrates, `total carbohydrates?|carbohydrates?|carbs|碳水化合物`, `g|mg|克|毫克`, "g"),
	np(NutrientFiber, `dietary fiber|fiber|fibre|膳食纤维`, `g|mg|克|毫克`, "g"),
	np(NutrientSugar, `sugars?|糖`, `g|mg|克|毫克`, "g"),
	np(NutrientSodium, `sodium|钠`, `mg|g|毫克|克`, "mg"),
	np(NutrientCalcium, `calcium|钙`, `mg|g|毫克|克`, "mg"),
	np(NutrientIron, `iron|铁`, `mg|µg|ug|毫克|微克`, "mg"),
	np(NutrientVitaminC, `vitamin c|维生素c`, `mg|µg|ug|毫克|微克`, "mg"),
	np(NutrientVitaminA, `vitamin a|维生素a`, `µg|ug|mg|mcg|微克|毫克`, "µg"),
}

var (
	servingSizeRe = regexp.MustCompile(`(?i)(?:serving size|每份)[：:]?\s*([^\n]+)`)
	brandRe       = regexp.MustCompile(`(?i)(?:brand|品牌)[：:]\s*([^\n]+)`)
)

// NutritionParser extracts a nutrition label into the fixed nutrient
// vocabulary with normalized units.
type NutritionParser struct{}

func (p *NutritionParser) CanHandle(t Type) bool { return t == TypeNutritionLabel }

func (p *NutritionParser) Parse(ctx context.Context, doc *Document) (*Result, error) {
	res := &Result{
		Type:    TypeNutritionLabel,
		RawText: doc.Text,
	}

	nutrients := make(map[string]Nutrient)
	for _, pat := range nutrientPatterns {
		m := pat.re.FindStringSubmatch(doc.Text)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		unit := m[2]
		if unit == "" {
			unit = pat.defaultUnit
		}
		n, ok := NormalizeNutrient(pat.key, value, unit)
		if !ok {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("discarded implausible %s: %v %s", pat.key, value, unit))
			continue
		}
		nutrients[pat.key] = n
	}

	if len(nutrients) == 0 {
		return nil, &StageError{
			Stage:   StageExtractStructured,
			Kind:    "unparseable",
			Message: "no nutrient values found in document text",
		}
	}

	res.Nutrition = &NutritionResult{
		FoodInfo:  extractFoodInfo(doc.Text),
		Nutrition: nutrients,
	}
	return res, nil
}

func extractFoodInfo(text string) FoodInfo {
	info := FoodInfo{}
	if m := servingSizeRe.FindStringSubmatch(text); m != nil {
		info.ServingSize = strings.TrimSpace(m[1])
	}
	if m := brandRe.FindStringSubmatch(text); m != nil {
		info.Brand = strings.TrimSpace(m[1])
	}
	// first line ahead of the facts panel usually names the product
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "nutrition") || strings.Contains(lower, "营养") {
			break
		}
		info.Name = line
		break
	}
	return info
}
