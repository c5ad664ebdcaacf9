// Package resolve maps the identifiers the signal source uses onto concrete
// tradable instrument names known to the broker, via alias tables and live
// catalog introspection.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"tv-mt5-auto/internal/broker"
)

// ErrNotFound means no candidate resolved against the catalog; the caller
// must abort the signal rather than guess an instrument.
var ErrNotFound = errors.New("symbol not found")

// suffixGuesses are broker naming conventions appended to every candidate,
// matching what retail terminals commonly use for micro/alternate books.
var suffixGuesses = []string{".m", ".micro", ".a"}

// Table is the immutable resolution configuration: one requested id maps to
// an ordered list of broker-name candidates; ExcludeSuffixes rank-demotes
// disabled/demo instrument variants; DefaultSymbol substitutes for empty
// requests.
type Table struct {
	Aliases         map[string][]string
	ExcludeSuffixes []string
	DefaultSymbol   string
}

func (t Table) excluded(name string) bool {
	upper := strings.ToUpper(name)
	for _, suf := range t.ExcludeSuffixes {
		if suf != "" && strings.HasSuffix(upper, strings.ToUpper(suf)) {
			return true
		}
	}
	return false
}

// Resolver performs per-signal symbol resolution. It holds no mutable
// state; the live catalog is consulted on every call so listing changes
// take effect immediately.
type Resolver struct {
	cat   broker.Catalog
	pos   broker.Positions
	table Table
	log   zerolog.Logger
}

// New wires a resolver over the broker's catalog and position book.
func New(cat broker.Catalog, pos broker.Positions, table Table, log zerolog.Logger) *Resolver {
	return &Resolver{cat: cat, pos: pos, table: table, log: log}
}

// Resolve finds the tradable instrument for a requested identifier.
// Priority: exact catalog match, substring match, alias-table candidates
// (exact then substring each), then the configured default for an empty
// request. Excluded-suffix matches are only chosen when no clean candidate
// is tradable; among clean candidates, one with an already-open position
// wins so reconciliation acts on the symbol the account is exposed to.
func (r *Resolver) Resolve(ctx context.Context, requested string) (broker.SymbolInfo, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		if r.table.DefaultSymbol == "" {
			return broker.SymbolInfo{}, fmt.Errorf("%w: empty request and no default symbol", ErrNotFound)
		}
		requested = r.table.DefaultSymbol
	}

	names, err := r.cat.Symbols(ctx)
	if err != nil {
		return broker.SymbolInfo{}, fmt.Errorf("list catalog: %w", err)
	}

	matches := r.matchCandidates(r.candidates(requested), names)
	if len(matches) == 0 {
		return broker.SymbolInfo{}, fmt.Errorf("%w: %q", ErrNotFound, requested)
	}

	var clean, demoted []string
	for _, m := range matches {
		if r.table.excluded(m) {
			demoted = append(demoted, m)
		} else {
			clean = append(clean, m)
		}
	}
	for _, group := range [][]string{r.preferOpen(ctx, clean), r.preferOpen(ctx, demoted)} {
		for _, name := range group {
			info, err := r.selectTradable(ctx, name)
			if err != nil {
				r.log.Debug().Str("symbol", name).Err(err).Msg("candidate not tradable")
				continue
			}
			return info, nil
		}
	}
	return broker.SymbolInfo{}, fmt.Errorf("%w: no tradable candidate for %q", ErrNotFound, requested)
}

// candidates expands the requested id into an ordered, deduplicated list:
// the id itself, its alias-table entries, then suffix guesses for each.
func (r *Resolver) candidates(requested string) []string {
	base := strings.ToUpper(requested)
	out := []string{base}
	seen := map[string]bool{base: true}
	for _, a := range r.table.Aliases[base] {
		a = strings.ToUpper(a)
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, c := range out[:len(out):len(out)] {
		for _, suf := range suffixGuesses {
			guess := c + strings.ToUpper(suf)
			if !seen[guess] {
				seen[guess] = true
				out = append(out, guess)
			}
		}
	}
	return out
}

// matchCandidates resolves candidates strictly in order: each candidate's
// exact case-insensitive matches, then its substring matches, before the
// next candidate is consulted at all. A substring hit on the requested id
// therefore outranks an exact hit on a later alias.
func (r *Resolver) matchCandidates(cands, names []string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, cand := range cands {
		for _, name := range names {
			if strings.EqualFold(name, cand) {
				add(name)
			}
		}
		lower := strings.ToLower(cand)
		for _, name := range names {
			if strings.Contains(strings.ToLower(name), lower) {
				add(name)
			}
		}
	}
	return out
}

// preferOpen stable-partitions names so those with open positions come first.
func (r *Resolver) preferOpen(ctx context.Context, names []string) []string {
	var open, rest []string
	for _, name := range names {
		records, err := r.pos.Open(ctx, name)
		if err == nil && len(records) > 0 {
			open = append(open, name)
		} else {
			rest = append(rest, name)
		}
	}
	return append(open, rest...)
}

func (r *Resolver) selectTradable(ctx context.Context, name string) (broker.SymbolInfo, error) {
	if err := r.cat.Select(ctx, name); err != nil {
		return broker.SymbolInfo{}, err
	}
	info, err := r.cat.Info(ctx, name)
	if err != nil {
		return broker.SymbolInfo{}, err
	}
	if !info.Tradable {
		return broker.SymbolInfo{}, fmt.Errorf("symbol %q not tradable", name)
	}
	return info, nil
}
