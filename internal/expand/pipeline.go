// Package expand compiles a stored command sequence into the sequence sent to
// a device: placeholder substitution followed by macro expansion.
package expand

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thereceipt/fax-engine/internal/recipe"
	"github.com/thereceipt/fax-engine/pkg/faxformat"
)

// Pipeline expands command sequences. It holds no per-call state and is
// safe for concurrent use.
type Pipeline struct {
	now      func() time.Time
	location *time.Location
	macros   map[string]Macro
	logger   zerolog.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithLocation sets the reference zone for {{date}} and {{time}}
func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) {
		p.location = loc
	}
}

// WithMacro registers a macro under an action name
func WithMacro(action string, m Macro) Option {
	return func(p *Pipeline) {
		p.macros[action] = m
	}
}

// New creates a pipeline with the groceries macro backed by provider
func New(provider recipe.Provider, logger zerolog.Logger, opts ...Option) *Pipeline {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}

	p := &Pipeline{
		now:      time.Now,
		location: loc,
		macros:   make(map[string]Macro),
		logger:   logger,
	}
	p.macros[faxformat.ActionGroceries] = NewGroceries(provider, logger)

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Moment returns the formatted date and time for the current instant
func (p *Pipeline) Moment() Moment {
	return MomentAt(p.now(), p.location)
}

// Expand substitutes placeholders and then expands every macro occurrence.
// It never fails: commands it does not understand are passed through.
func (p *Pipeline) Expand(ctx context.Context, commands []faxformat.Command) []faxformat.Command {
	out := Substitute(commands, p.Moment())
	return p.expandMacros(ctx, out)
}

func (p *Pipeline) expandMacros(ctx context.Context, commands []faxformat.Command) []faxformat.Command {
	if !p.hasMacro(commands) {
		return commands
	}

	out := make([]faxformat.Command, 0, len(commands))
	occurrences := 0
	for _, cmd := range commands {
		m, ok := p.macros[cmd.Action]
		if !ok {
			out = append(out, cmd)
			continue
		}
		occurrences++
		out = append(out, m.Expand(ctx, cmd)...)
	}

	p.logger.Debug().
		Int("macros", occurrences).
		Int("in", len(commands)).
		Int("out", len(out)).
		Msg("expanded macros")

	return out
}

func (p *Pipeline) hasMacro(commands []faxformat.Command) bool {
	for _, cmd := range commands {
		if _, ok := p.macros[cmd.Action]; ok {
			return true
		}
	}
	return false
}
