package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/secstore/internal/cli"
	"github.com/forest6511/secstore/pkg/audit"
)

var (
	auditLimit int
	auditSince string
	auditName  string
	auditOp    string
	auditJSON  bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd, auditVerifyCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show (0 for all)")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Only events newer than this (e.g. 24h, 7d)")
	auditListCmd.Flags().StringVar(&auditName, "name", "", "Only events about this secret")
	auditListCmd.Flags().StringVar(&auditOp, "op", "", "Only operations with this prefix (e.g. secret, store.save)")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "Print events as JSON lines")
	auditVerifyCmd.Flags().BoolVar(&auditJSON, "json", false, "Print the result as JSON")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
	Long: `Every store operation is appended to an HMAC-chained log under the
audit directory. Secret names are kept as HMACs and values are never written.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		if auditLog == nil {
			return errors.New("audit log is disabled (--no-audit)")
		}
		return nil
	},
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded events, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var since time.Time
		if auditSince != "" {
			d, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			since = time.Now().Add(-d)
		}

		// Filtering happens before the limit so --name finds old events.
		events, err := auditLog.ListEvents(0, since)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}
		events = filterEvents(events, auditLog, auditName, auditOp)
		if auditLimit > 0 && len(events) > auditLimit {
			events = events[len(events)-auditLimit:]
		}

		if auditJSON {
			enc := json.NewEncoder(os.Stdout)
			for i := range events {
				if err := enc.Encode(&events[i]); err != nil {
					return err
				}
			}
			return nil
		}

		if len(events) == 0 {
			fmt.Println("No audit events")
			return nil
		}
		for i := range events {
			fmt.Println(formatEvent(&events[i]))
		}
		fmt.Printf("\n%d events\n", len(events))
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the HMAC chain of the audit log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := auditLog.Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		if auditJSON {
			out, err := json.Marshal(result)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		} else if result.Valid {
			fmt.Printf("Audit log intact: %d records\n", result.RecordsTotal)
		} else {
			fmt.Printf("Audit log BROKEN: %d of %d records verified\n", result.RecordsVerified, result.RecordsTotal)
			for _, e := range result.Errors {
				fmt.Printf("  %s\n", e)
			}
		}

		if !result.Valid {
			return &exitError{code: 1}
		}
		return nil
	},
}

// filterEvents keeps events about name (compared by HMAC) whose operation
// starts with op. Empty filters match everything.
func filterEvents(events []audit.Event, l *audit.Logger, name, op string) []audit.Event {
	var nameHMAC string
	if name != "" {
		nameHMAC = l.NameHMAC(cli.NormalizeName(name))
	}

	kept := events[:0]
	for _, e := range events {
		if nameHMAC != "" && e.NameHMAC != nameHMAC {
			continue
		}
		if op != "" && !strings.HasPrefix(e.Operation, op) {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// formatEvent renders one event as
// TIMESTAMP OPERATION RESULT [name:HMAC] [error:CODE] [k=v...].
func formatEvent(e *audit.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-22s %s", e.Timestamp, e.Operation, e.Result)
	if e.NameHMAC != "" {
		h := e.NameHMAC
		if len(h) > 12 {
			h = h[:12]
		}
		b.WriteString(" name:" + h)
	}
	if e.Error != nil {
		b.WriteString(" error:" + e.Error.Code)
	}
	for _, k := range cli.Sorted(mapKeys(e.Context)) {
		fmt.Fprintf(&b, " %s=%s", k, e.Context[k])
	}
	return b.String()
}

func mapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
