package expand

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/thereceipt/fax-engine/internal/recipe"
	"github.com/thereceipt/fax-engine/pkg/faxformat"
)

// Macro produces the commands that replace one macro occurrence
type Macro interface {
	Expand(ctx context.Context, cmd faxformat.Command) []faxformat.Command
}

// MacroFunc adapts a function to the Macro interface
type MacroFunc func(ctx context.Context, cmd faxformat.Command) []faxformat.Command

// Expand calls f
func (f MacroFunc) Expand(ctx context.Context, cmd faxformat.Command) []faxformat.Command {
	return f(ctx, cmd)
}

var lineBreak = regexp.MustCompile(`\r?\n`)

// Groceries replaces a groceries command with a random recipe: title,
// ingredient list and numbered instructions.
type Groceries struct {
	provider recipe.Provider
	logger   zerolog.Logger
}

// NewGroceries creates the groceries macro
func NewGroceries(provider recipe.Provider, logger zerolog.Logger) *Groceries {
	return &Groceries{
		provider: provider,
		logger:   logger.With().Str("macro", faxformat.ActionGroceries).Logger(),
	}
}

// Expand fetches one recipe. Any failure yields the fallback block.
func (g *Groceries) Expand(ctx context.Context, _ faxformat.Command) []faxformat.Command {
	g.logger.Debug().Msg("fetching random recipe")

	r, err := g.provider.Fetch(ctx)
	if err != nil {
		if errors.Is(err, recipe.ErrNoRecipe) {
			g.logger.Warn().Msg("no recipe returned")
		} else {
			g.logger.Warn().Err(err).Msg("recipe fetch failed")
		}
		return RecipeUnavailable()
	}
	if r == nil {
		g.logger.Warn().Msg("no recipe returned")
		return RecipeUnavailable()
	}

	return RecipeBlock(r)
}

// RecipeBlock renders a recipe as printer commands
func RecipeBlock(r *recipe.Recipe) []faxformat.Command {
	cmds := []faxformat.Command{
		faxformat.BoldOn(),
		faxformat.Justify(faxformat.JustifyCenter),
		faxformat.Print(r.Name),
		faxformat.BoldOff(),
		faxformat.Justify(faxformat.JustifyLeft),
		faxformat.Feed(1),
		faxformat.Print("Ingredients:"),
	}

	for _, ing := range r.Ingredients {
		name := strings.TrimSpace(ing.Name)
		if name == "" {
			continue
		}
		line := "- " + name
		if measure := strings.TrimSpace(ing.Measure); measure != "" {
			line = fmt.Sprintf("- %s %s", measure, name)
		}
		cmds = append(cmds, faxformat.Print(line))
	}

	cmds = append(cmds,
		faxformat.Feed(1),
		faxformat.Line(),
		faxformat.Feed(1),
	)

	if r.Instructions != "" {
		cmds = append(cmds, faxformat.Print("Instructions:"))
		step := 0
		for _, s := range lineBreak.Split(r.Instructions, -1) {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			step++
			cmds = append(cmds, faxformat.Print(fmt.Sprintf("%d. %s", step, s)))
		}
		cmds = append(cmds, faxformat.Feed(2))
	}

	return cmds
}

// RecipeUnavailable is printed in place of a recipe that could not be fetched
func RecipeUnavailable() []faxformat.Command {
	return []faxformat.Command{
		faxformat.BoldOn(),
		faxformat.Print("Recipe unavailable"),
		faxformat.BoldOff(),
		faxformat.Feed(1),
	}
}
