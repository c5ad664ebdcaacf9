package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

const epsilon = 1e-9

// Sim is an in-memory Terminal used by tests and paper runs. It keeps a
// hedged position book with tickets, enforces a configurable margin model,
// and lets tests script rejections via OpenHook.
type Sim struct {
	mu           sync.Mutex
	symbols      map[string]SymbolInfo
	selected     map[string]bool
	book         []PositionRecord
	nextTicket   int64
	freeMargin   float64
	marginPerLot map[string]float64
	enforce      bool

	// OpenHook, when set, is consulted before every MarketOpen and may
	// force a rejection. Margin enforcement still applies afterwards.
	OpenHook func(symbol string, side Side, lot float64) RejectCode
}

// NewSim returns an empty simulated terminal with no margin enforcement.
func NewSim() *Sim {
	return &Sim{
		symbols:      make(map[string]SymbolInfo),
		selected:     make(map[string]bool),
		marginPerLot: make(map[string]float64),
		nextTicket:   1,
		freeMargin:   1e12,
	}
}

// AddSymbol registers an instrument in the catalog.
func (s *Sim) AddSymbol(info SymbolInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[info.Name] = info
}

// SetFreeMargin sets the account's free margin and enables enforcement.
func (s *Sim) SetFreeMargin(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeMargin = v
	s.enforce = true
}

// SetMarginPerLot fixes the margin one lot of symbol requires.
func (s *Sim) SetMarginPerLot(symbol string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marginPerLot[symbol] = v
}

// Seed opens a position record directly, bypassing order flow. Test helper.
func (s *Sim) Seed(symbol string, side Side, lot float64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(symbol, side, lot)
}

func (s *Sim) appendLocked(symbol string, side Side, lot float64) int64 {
	t := s.nextTicket
	s.nextTicket++
	price := s.symbols[symbol].Ask
	if side == Short {
		price = s.symbols[symbol].Bid
	}
	s.book = append(s.book, PositionRecord{Ticket: t, Symbol: symbol, Side: side, Volume: lot, EntryPrice: price})
	return t
}

// Volumes reports the aggregate long and short lots held on symbol.
func (s *Sim) Volumes(symbol string) (long, short float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.book {
		if p.Symbol != symbol {
			continue
		}
		if p.Side == Long {
			long += p.Volume
		} else {
			short += p.Volume
		}
	}
	return long, short
}

func (s *Sim) Symbols(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.symbols))
	for name := range s.symbols {
		names = append(names, name)
	}
	return names, nil
}

func (s *Sim) Info(ctx context.Context, name string) (SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.symbols[name]
	if !ok {
		return SymbolInfo{}, fmt.Errorf("unknown symbol %q", name)
	}
	return info, nil
}

func (s *Sim) Select(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[name]; !ok {
		return fmt.Errorf("unknown symbol %q", name)
	}
	s.selected[name] = true
	return nil
}

func (s *Sim) Open(ctx context.Context, symbol string) ([]PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PositionRecord
	for _, p := range s.book {
		if strings.EqualFold(p.Symbol, symbol) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Sim) MarketOpen(ctx context.Context, symbol string, side Side, lot float64) (OrderResult, error) {
	s.mu.Lock()
	info, ok := s.symbols[symbol]
	s.mu.Unlock()
	if !ok || !info.Tradable {
		return OrderResult{Code: RejectHard, Raw: 4756}, nil
	}
	if s.OpenHook != nil {
		if code := s.OpenHook(symbol, side, lot); code != OK {
			return OrderResult{Code: code, Raw: rawFor(code)}, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enforce {
		need := s.marginPerLot[symbol] * lot
		if need > s.freeMargin+epsilon {
			return OrderResult{Code: RejectMargin, Raw: 10019}, nil
		}
		s.freeMargin -= need
	}
	s.appendLocked(symbol, side, lot)
	return OrderResult{Filled: lot, Code: OK}, nil
}

func (s *Sim) CloseTicket(ctx context.Context, ticket int64, lot float64) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.book {
		if s.book[i].Ticket != ticket {
			continue
		}
		if lot > s.book[i].Volume+epsilon {
			return OrderResult{Code: RejectHard, Raw: 10014}, nil
		}
		if s.enforce {
			s.freeMargin += s.marginPerLot[s.book[i].Symbol] * lot
		}
		s.book[i].Volume -= lot
		if s.book[i].Volume <= epsilon {
			s.book = append(s.book[:i], s.book[i+1:]...)
		}
		return OrderResult{Filled: lot, Code: OK}, nil
	}
	return OrderResult{Code: RejectHard, Raw: 10013}, nil
}

func (s *Sim) CloseBy(ctx context.Context, a, b int64) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ia, ib := s.indexLocked(a), s.indexLocked(b)
	if ia < 0 || ib < 0 {
		return OrderResult{Code: RejectHard, Raw: 10013}, nil
	}
	if s.book[ia].Side == s.book[ib].Side || s.book[ia].Symbol != s.book[ib].Symbol {
		return OrderResult{Code: RejectHard, Raw: 10030}, nil
	}
	matched := s.book[ia].Volume
	if s.book[ib].Volume < matched {
		matched = s.book[ib].Volume
	}
	s.book[ia].Volume -= matched
	s.book[ib].Volume -= matched
	if s.enforce {
		s.freeMargin += s.marginPerLot[s.book[ia].Symbol] * matched * 2
	}
	s.compactLocked()
	return OrderResult{Filled: matched, Code: OK}, nil
}

func (s *Sim) MarginRequired(ctx context.Context, symbol string, side Side, lot float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marginPerLot[symbol] * lot, nil
}

func (s *Sim) FreeMargin(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeMargin, nil
}

func (s *Sim) indexLocked(ticket int64) int {
	for i := range s.book {
		if s.book[i].Ticket == ticket {
			return i
		}
	}
	return -1
}

func (s *Sim) compactLocked() {
	kept := s.book[:0]
	for _, p := range s.book {
		if p.Volume > epsilon {
			kept = append(kept, p)
		}
	}
	s.book = kept
}

func rawFor(code RejectCode) int {
	switch code {
	case RejectMargin:
		return 10019
	case RejectHard:
		return 10018
	default:
		return 0
	}
}

var _ Terminal = (*Sim)(nil)
