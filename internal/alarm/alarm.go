// Package alarm raises operational alarms for invariant violations,
// reconciliation shortfalls and failed post-commit transfers.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Alarm kinds.
const (
	KindInvariant      = "invariant_violation"
	KindShortfall      = "reconciliation_shortfall"
	KindTransferFailed = "transfer_failed"
)

// Alarm is one operational alarm.
type Alarm struct {
	Kind    string
	PoolID  uint64
	Message string
	Fields  map[string]string
	At      time.Time
}

// String renders the alarm on one line with sorted fields.
func (a Alarm) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] pool %d: %s", a.Kind, a.PoolID, a.Message)
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, a.Fields[k])
	}
	return b.String()
}

// Notifier delivers alarms.
type Notifier interface {
	Notify(ctx context.Context, a Alarm) error
}

// LogNotifier writes alarms to a structured logger at error level.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, a Alarm) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := []any{"kind", a.Kind, "pool", a.PoolID}
	for k, v := range a.Fields {
		args = append(args, k, v)
	}
	logger.ErrorContext(ctx, a.Message, args...)
	return nil
}

// Multi fans an alarm out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alarm) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
