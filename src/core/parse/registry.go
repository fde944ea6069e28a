package parse

import (
	"context"
	"fmt"
)

// Document is the material handed to a parser: the original bytes plus
// whatever text the extraction stages produced.
type Document struct {
	Data          []byte
	Text          string
	Pages         int
	OCRUsed       bool
	OCRConfidence float64
}

// Parser turns an extracted document of one type into a structured
// Result. Implementations are a closed set; adding a document type
// means adding a case here and a registry entry.
type Parser interface {
	CanHandle(t Type) bool
	Parse(ctx context.Context, doc *Document) (*Result, error)
}

// Registry is the dispatch table from detected type to parser.
type Registry struct {
	parsers  map[Type]Parser
	fallback Parser
}

// NewRegistry wires the built-in parsers. The unknown parser doubles as
// the fallback for types nothing claims.
func NewRegistry() *Registry {
	unknown := &UnknownParser{}
	r := &Registry{
		parsers:  make(map[Type]Parser),
		fallback: unknown,
	}
	r.Register(TypeNutritionLabel, &NutritionParser{})
	r.Register(TypeRecipe, &RecipeParser{})
	r.Register(TypeDietGuide, &GuideParser{})
	r.Register(TypeUnknown, unknown)
	return r
}

// Register binds a parser to a type. The parser must claim the type.
func (r *Registry) Register(t Type, p Parser) {
	if !p.CanHandle(t) {
		panic(fmt.Sprintf("parser does not handle %s", t))
	}
	r.parsers[t] = p
}

// Resolve returns the parser for a detected type, falling back to the
// unknown parser.
func (r *Registry) Resolve(t Type) Parser {
	if p, ok := r.parsers[t]; ok {
		return p
	}
	return r.fallback
}

// UnknownParser keeps the raw text when no structure applies.
type UnknownParser struct{}

func (p *UnknownParser) CanHandle(t Type) bool { return t == TypeUnknown }

func (p *UnknownParser) Parse(ctx context.Context, doc *Document) (*Result, error) {
	return &Result{
		Type:    TypeUnknown,
		RawText: doc.Text,
	}, nil
}
