package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/riskguard/fault"
)

const NextReset = "next_reset"

// Spec is the configured form of a rule.
type Spec struct {
	ID        string   `json:"id" yaml:"id"`
	Type      string   `json:"type" yaml:"type"`
	Limit     float64  `json:"limit,omitempty" yaml:"limit,omitempty"`
	MaxTrades int      `json:"max_trades,omitempty" yaml:"max_trades,omitempty"`
	Window    string   `json:"window,omitempty" yaml:"window,omitempty"` // e.g. "5m"
	Symbols   []string `json:"symbols,omitempty" yaml:"symbols,omitempty"`
	Action    string   `json:"action" yaml:"action"`
	Severity  string   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Lock      LockSpec `json:"lock,omitempty" yaml:"lock,omitempty"`
}

// LockSpec sets exactly one of Until, Duration or Indefinite. Until is
// "next_reset" or an RFC3339 timestamp.
type LockSpec struct {
	Until      string `json:"until,omitempty" yaml:"until,omitempty"`
	Duration   string `json:"duration,omitempty" yaml:"duration,omitempty"`
	Indefinite bool   `json:"indefinite,omitempty" yaml:"indefinite,omitempty"`
}

func (l LockSpec) empty() bool { return l.Until == "" && l.Duration == "" && !l.Indefinite }

// Term parses the lock into a LockTerm.
func (l LockSpec) Term() (LockTerm, error) {
	set := 0
	if l.Until != "" {
		set++
	}
	if l.Duration != "" {
		set++
	}
	if l.Indefinite {
		set++
	}
	switch {
	case set == 0:
		return LockTerm{}, nil
	case set > 1:
		return LockTerm{}, fmt.Errorf("lock: set only one of until, duration, indefinite")
	case l.Indefinite:
		return LockTerm{Mode: Indefinite}, nil
	case l.Duration != "":
		d, err := time.ParseDuration(l.Duration)
		if err != nil {
			return LockTerm{}, fmt.Errorf("lock duration: %w", err)
		}
		if d <= 0 {
			return LockTerm{}, fmt.Errorf("lock duration must be positive")
		}
		return LockTerm{Mode: ForDuration, Duration: d}, nil
	case strings.EqualFold(l.Until, NextReset):
		return LockTerm{Mode: UntilReset}, nil
	}
	t, err := time.Parse(time.RFC3339, l.Until)
	if err != nil {
		return LockTerm{}, fmt.Errorf("lock until: want %q or RFC3339: %w", NextReset, err)
	}
	return LockTerm{Mode: UntilTime, Until: t}, nil
}

// Validate checks the spec without building it.
func (s Spec) Validate() error {
	_, err := s.Build()
	return err
}

// Build turns the spec into a Rule. Errors are configuration errors.
func (s Spec) Build() (Rule, error) {
	r, err := s.build()
	if err != nil {
		name := s.ID
		if name == "" {
			name = s.Type
		}
		return nil, fault.Config("rule "+name, err)
	}
	return r, nil
}

func (s Spec) build() (Rule, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, fmt.Errorf("id is required")
	}
	action, err := ParseAction(s.Action)
	if err != nil {
		return nil, err
	}
	sev, err := ParseSeverity(s.Severity)
	if err != nil {
		return nil, err
	}
	lock, err := s.Lock.Term()
	if err != nil {
		return nil, err
	}
	switch action {
	case CloseAllAndLock:
		if lock.Mode == NoLock {
			return nil, fmt.Errorf("%s needs a lock term", action)
		}
	case CooldownAndCancel:
		if lock.Mode != ForDuration {
			return nil, fmt.Errorf("%s needs a positive lock duration", action)
		}
	default:
		if !s.Lock.empty() {
			return nil, fmt.Errorf("%s does not take a lock", action)
		}
	}
	b := base{id: s.ID, action: action, lock: lock, severity: sev}

	switch s.Type {
	case "daily_loss", "weekly_loss", "daily_profit_target", "max_position_size", "unrealized_loss":
		if s.Limit <= 0 {
			return nil, fmt.Errorf("%s: limit must be positive", s.Type)
		}
	}

	switch s.Type {
	case "daily_loss":
		return &DailyLoss{base: b, Limit: s.Limit}, nil
	case "weekly_loss":
		return &WeeklyLoss{base: b, Limit: s.Limit}, nil
	case "daily_profit_target":
		return &DailyProfitTarget{base: b, Limit: s.Limit}, nil
	case "max_position_size":
		return &MaxPositionSize{base: b, Limit: s.Limit}, nil
	case "unrealized_loss":
		return &UnrealizedLoss{base: b, Limit: s.Limit}, nil
	case "trade_frequency":
		if s.MaxTrades <= 0 {
			return nil, fmt.Errorf("trade_frequency: max_trades must be positive")
		}
		w, err := time.ParseDuration(s.Window)
		if err != nil || w <= 0 {
			return nil, fmt.Errorf("trade_frequency: window must be a positive duration")
		}
		return &TradeFrequency{base: b, MaxTrades: s.MaxTrades, Window: w}, nil
	case "symbol_block":
		if len(s.Symbols) == 0 {
			return nil, fmt.Errorf("symbol_block: symbols required")
		}
		set := make(map[string]bool, len(s.Symbols))
		for _, sym := range s.Symbols {
			set[strings.TrimSpace(sym)] = true
		}
		return &SymbolBlock{base: b, Symbols: set}, nil
	}
	return nil, fmt.Errorf("unknown rule type %q", s.Type)
}

// Build compiles specs in order, rejecting duplicate ids.
func Build(specs []Spec) ([]Rule, error) {
	seen := make(map[string]bool, len(specs))
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		if seen[s.ID] {
			return nil, fault.Configf("rule %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		r, err := s.Build()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
