package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var actionHeader = []string{"id", "account_id", "symbol", "rule_id", "action", "status", "attempts", "message", "created_at", "updated_at"}

// WriteActionsCSV writes actions with a header row.
func WriteActionsCSV(w io.Writer, actions []ActionRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(actionHeader); err != nil {
		return err
	}
	for _, a := range actions {
		if err := cw.Write([]string{
			a.ID,
			a.AccountID,
			a.Symbol,
			a.RuleID,
			a.Action,
			string(a.Status),
			strconv.Itoa(a.Attempts),
			a.Message,
			a.CreatedAt.UTC().Format(time.RFC3339),
			a.UpdatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
