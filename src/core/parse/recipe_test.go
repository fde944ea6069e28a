package parse_test

import (
	"context"
	"testing"

	"nutriparse/src/core/parse"
)

func TestRecipeParser(t *testing.T) {
	text := `Classic Pancakes
Serves: 4
Prep Time: 10 minutes
Cook Time: 15 minutes
Difficulty: easy
Ingredients
2 cups flour, sifted
1 tsp baking powder
2 eggs
250 ml milk
Instructions
1. Whisk the dry ingredients together.
2. Beat in the eggs and milk.
3. Fry on a hot griddle.`

	p := &parse.RecipeParser{}
	res, err := p.Parse(context.Background(), &parse.Document{Text: text, Pages: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := res.Recipe
	if r == nil {
		t.Fatal("missing recipe result")
	}

	if r.Title != "Classic Pancakes" {
		t.Errorf("title = %q", r.Title)
	}
	if r.Servings != 4 {
		t.Errorf("servings = %d", r.Servings)
	}
	if r.PrepTime != "10 minutes" || r.CookTime != "15 minutes" {
		t.Errorf("times = %q / %q", r.PrepTime, r.CookTime)
	}
	if r.Difficulty != "easy" {
		t.Errorf("difficulty = %q", r.Difficulty)
	}
	if len(r.Instructions) != 3 {
		t.Fatalf("instructions = %v", r.Instructions)
	}
	if r.Instructions[0] != "Whisk the dry ingredients together." {
		t.Errorf("first instruction = %q", r.Instructions[0])
	}
	if len(r.Ingredients) != 4 {
		t.Fatalf("ingredients = %+v", r.Ingredients)
	}

	first := r.Ingredients[0]
	if first.Quantity != 2 || first.Unit != "cups" || first.Name != "flour" || first.Preparation != "sifted" {
		t.Errorf("first ingredient = %+v", first)
	}
}

func TestParseIngredientFraction(t *testing.T) {
	text := "Dough\nIngredients\n1/2 cup sugar\nInstructions\n1. Mix."
	p := &parse.RecipeParser{}
	res, err := p.Parse(context.Background(), &parse.Document{Text: text, Pages: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ing := res.Recipe.Ingredients[0]
	if ing.Quantity != 0.5 || ing.Unit != "cup" || ing.Name != "sugar" {
		t.Errorf("ingredient = %+v", ing)
	}
}

func TestRecipeParserUnparseable(t *testing.T) {
	p := &parse.RecipeParser{}
	_, err := p.Parse(context.Background(), &parse.Document{Text: "just some prose", Pages: 1})
	if err == nil {
		t.Fatal("expected error for text without sections")
	}
}

func TestGuideParserSectionizes(t *testing.T) {
	text := `Healthy Eating Guide
Vegetables:
Eat five portions a day.
Aim for variety of colors.
Hydration:
Drink two liters of water.`

	p := &parse.GuideParser{}
	res, err := p.Parse(context.Background(), &parse.Document{Text: text, Pages: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g := res.Guide
	if g == nil {
		t.Fatal("missing guide result")
	}
	if len(g.Sections) < 2 {
		t.Fatalf("sections = %+v", g.Sections)
	}

	var sawVegetables bool
	for _, s := range g.Sections {
		if s.Heading == "Vegetables" {
			sawVegetables = true
			if s.Body == "" {
				t.Error("vegetables section has no body")
			}
		}
	}
	if !sawVegetables {
		t.Errorf("no vegetables heading in %+v", g.Sections)
	}
}
