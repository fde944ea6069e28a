package parse_test

import (
	"math"
	"testing"

	"nutriparse/src/core/parse"
)

func TestNormalizeNutrient(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		value     float64
		unit      string
		wantValue float64
		wantUnit  string
		wantOK    bool
	}{
		{"kcal passthrough", parse.NutrientCalories, 250, "kcal", 250, "kcal", true},
		{"kj to kcal", parse.NutrientCalories, 1000, "kJ", 239, "kcal", true},
		{"cjk kj alias", parse.NutrientCalories, 1000, "千焦", 239, "kcal", true},
		{"grams passthrough", parse.NutrientProtein, 12.5, "g", 12.5, "g", true},
		{"mg to g", parse.NutrientProtein, 1500, "mg", 1.5, "g", true},
		{"g to mg for sodium", parse.NutrientSodium, 1.2, "g", 1200, "mg", true},
		{"ug to mg", parse.NutrientIron, 800, "µg", 0.8, "mg", true},
		{"mcg alias", parse.NutrientVitaminA, 300, "mcg", 300, "µg", true},
		{"cjk gram alias", parse.NutrientFat, 8, "克", 8, "g", true},
		{"empty unit defaults to canonical", parse.NutrientCalories, 100, "", 100, "kcal", true},
		{"calorie outlier rejected", parse.NutrientCalories, 5000, "kcal", 0, "", false},
		{"negative rejected", parse.NutrientProtein, -1, "g", 0, "", false},
		{"unknown unit rejected", parse.NutrientProtein, 5, "oz", 0, "", false},
		{"unknown nutrient rejected", "caffeine", 5, "mg", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parse.NormalizeNutrient(tt.key, tt.value, tt.unit)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if math.Abs(got.Value-tt.wantValue) > 0.01 {
				t.Errorf("value = %v, want %v", got.Value, tt.wantValue)
			}
			if got.Unit != tt.wantUnit {
				t.Errorf("unit = %s, want %s", got.Unit, tt.wantUnit)
			}
		})
	}
}

func TestNormalizeNutrientIdempotent(t *testing.T) {
	inputs := []struct {
		key   string
		value float64
		unit  string
	}{
		{parse.NutrientCalories, 1046, "kj"},
		{parse.NutrientProtein, 2500, "mg"},
		{parse.NutrientSodium, 0.9, "g"},
		{parse.NutrientVitaminA, 120, "µg"},
	}
	for _, in := range inputs {
		once, ok := parse.NormalizeNutrient(in.key, in.value, in.unit)
		if !ok {
			t.Fatalf("normalize(%s %v %s) rejected", in.key, in.value, in.unit)
		}
		twice, ok := parse.NormalizeNutrient(in.key, once.Value, once.Unit)
		if !ok {
			t.Fatalf("re-normalize(%s) rejected", in.key)
		}
		if twice != once {
			t.Errorf("not idempotent for %s: %+v -> %+v", in.key, once, twice)
		}
	}
}
