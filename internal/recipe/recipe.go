// Package recipe fetches random recipes from an external service
package recipe

import (
	"context"
	"errors"
	"fmt"
)

// MaxIngredients is the number of ingredient slots in a recipe record
const MaxIngredients = 20

// Recipe is a single recipe record. It is fetched fresh for every use and
// never stored.
type Recipe struct {
	Name         string
	Ingredients  [MaxIngredients]Ingredient // sparse, blank slots are skipped
	Instructions string
}

// Ingredient is one ingredient slot
type Ingredient struct {
	Measure string
	Name    string
}

// Provider fetches a recipe
type Provider interface {
	Fetch(ctx context.Context) (*Recipe, error)
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func(ctx context.Context) (*Recipe, error)

// Fetch calls f
func (f ProviderFunc) Fetch(ctx context.Context) (*Recipe, error) {
	return f(ctx)
}

// ErrNoRecipe is returned when the service answered but had no record
var ErrNoRecipe = errors.New("no recipe returned")

// Failure kinds
const (
	KindTimeout   = "timeout"
	KindTransport = "transport"
	KindStatus    = "status"
	KindDecode    = "decode"
)

// FetchError describes a failed fetch
type FetchError struct {
	Kind       string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("recipe fetch failed: HTTP %d", e.StatusCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("recipe fetch failed (%s): %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("recipe fetch failed (%s)", e.Kind)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
