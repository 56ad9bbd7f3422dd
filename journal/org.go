package journal

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/riskguard/lockout"
)

// FormatLockoutOrg renders a lockout as an Org-mode entry with the
// structured facts in a PROPERTIES drawer.
func FormatLockoutOrg(l lockout.Lockout) string {
	expires := "never"
	if !l.Indefinite() {
		expires = l.ExpiresAt.UTC().Format(time.RFC3339)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "** Lockout: %s %s (%s)\n", l.Key, l.Kind, shortID(l.ID))
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":ID: %s\n", l.ID)
	fmt.Fprintf(&b, ":ACCOUNT: %s\n", l.Key.Account)
	if l.Key.Symbol != "" {
		fmt.Fprintf(&b, ":SYMBOL: %s\n", l.Key.Symbol)
	}
	fmt.Fprintf(&b, ":KIND: %s\n", l.Kind)
	fmt.Fprintf(&b, ":RULE: %s\n", l.SourceRuleID)
	fmt.Fprintf(&b, ":CREATED: %s\n", l.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, ":EXPIRES: %s\n", expires)
	fmt.Fprintf(&b, ":DAY_SCOPED: %t\n", l.DayScoped)
	b.WriteString(":END:\n")
	fmt.Fprintf(&b, "%s\n", l.Reason)
	return b.String()
}

// FormatActionOrg renders an enforcement action the same way.
func FormatActionOrg(a ActionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "** Action: %s %s [%s] (%s)\n", a.Action, a.AccountID, a.Status, shortID(a.ID))
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":ID: %s\n", a.ID)
	fmt.Fprintf(&b, ":ACCOUNT: %s\n", a.AccountID)
	if a.Symbol != "" {
		fmt.Fprintf(&b, ":SYMBOL: %s\n", a.Symbol)
	}
	fmt.Fprintf(&b, ":RULE: %s\n", a.RuleID)
	fmt.Fprintf(&b, ":STATUS: %s\n", a.Status)
	fmt.Fprintf(&b, ":ATTEMPTS: %d\n", a.Attempts)
	fmt.Fprintf(&b, ":CREATED: %s\n", a.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, ":UPDATED: %s\n", a.UpdatedAt.UTC().Format(time.RFC3339))
	b.WriteString(":END:\n")
	if a.Message != "" {
		fmt.Fprintf(&b, "%s\n", a.Message)
	}
	return b.String()
}

// FormatLockoutsOrg renders lockouts separated by blank lines.
func FormatLockoutsOrg(ls []lockout.Lockout) string {
	parts := make([]string, 0, len(ls))
	for _, l := range ls {
		parts = append(parts, FormatLockoutOrg(l))
	}
	return strings.Join(parts, "\n")
}

func FormatActionsOrg(as []ActionRecord) string {
	parts := make([]string, 0, len(as))
	for _, a := range as {
		parts = append(parts, FormatActionOrg(a))
	}
	return strings.Join(parts, "\n")
}

func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[len(full)-8:]
}
