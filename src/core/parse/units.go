package parse

import (
	"math"
	"strings"
)

// Canonical unit per nutrient key. Values are normalized into these
// before they reach a Result.
var canonicalUnits = map[string]string{
	NutrientCalories:      "kcal",
	NutrientProtein:       "g",
	NutrientFat:           "g",
	NutrientCarbohydrates: "g",
	NutrientFiber:         "g",
	NutrientSugar:         "g",
	NutrientSodium:        "mg",
	NutrientCalcium:       "mg",
	NutrientIron:          "mg",
	NutrientVitaminC:      "mg",
	NutrientVitaminA:      "µg",
}

// Plausible upper bounds per 100 g in canonical units; values outside
// [0, max] are rejected as extraction noise.
var plausibleMax = map[string]float64{
	NutrientCalories:      900,
	NutrientProtein:       100,
	NutrientFat:           100,
	NutrientCarbohydrates: 100,
	NutrientFiber:         50,
	NutrientSugar:         100,
	NutrientSodium:        40000,
	NutrientCalcium:       5000,
	NutrientIron:          100,
	NutrientVitaminC:      2000,
	NutrientVitaminA:      10000,
}

// kJ per kcal conversion constant.
const kjToKcal = 0.239

// mass unit scale relative to grams
var massScale = map[string]float64{
	"g":  1,
	"mg": 1e-3,
	"µg": 1e-6,
}

var unitAliases = map[string]string{
	"千焦":   "kj",
	"kj":   "kj",
	"千卡":   "kcal",
	"大卡":   "kcal",
	"kcal": "kcal",
	"cal":  "kcal",
	"克":    "g",
	"g":    "g",
	"毫克":   "mg",
	"mg":   "mg",
	"微克":   "µg",
	"µg":   "µg",
	"ug":   "µg",
	"mcg":  "µg",
}

// NormalizeNutrient converts a raw (value, unit) pair to the canonical
// unit for key, rejecting values outside the plausible range. The second return is
// false when the unit is unknown for the key or the value is an
// outlier. Normalization is idempotent: feeding the output back in
// returns it unchanged.
func NormalizeNutrient(key string, value float64, unit string) (Nutrient, bool) {
	canon, ok := canonicalUnits[key]
	if !ok {
		return Nutrient{}, false
	}

	u, ok := unitAliases[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		if unit == "" {
			u = canon
		} else {
			return Nutrient{}, false
		}
	}

	var v float64
	switch canon {
	case "kcal":
		switch u {
		case "kcal":
			v = value
		case "kj":
			v = value * kjToKcal
		default:
			return Nutrient{}, false
		}
	default:
		from, okFrom := massScale[u]
		to, okTo := massScale[canon]
		if !okFrom || !okTo {
			return Nutrient{}, false
		}
		v = value * from / to
	}

	if v < 0 || v > plausibleMax[key] {
		return Nutrient{}, false
	}

	return Nutrient{Value: round2(v), Unit: canon}, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
