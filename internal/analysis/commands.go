package analysis

import (
	"context"
	"fmt"

	"github.com/citp/openwpm-data-release/internal/crawldb"
	"github.com/citp/openwpm-data-release/internal/release"
)

// crawl_history.bool_success values.
const (
	commandFailed   = 0
	commandTimedOut = -1
)

// Rate returns part/total, or 0 when total is 0.
func Rate(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// NewCommandRate builds the rates of one command type from its counts.
func NewCommandRate(command string, total, failed, timedOut int64) release.CommandRate {
	return release.CommandRate{
		Command:     command,
		Total:       total,
		Failed:      failed,
		TimedOut:    timedOut,
		FailRate:    Rate(failed, total),
		TimeoutRate: Rate(timedOut, total),
	}
}

// CommandRates groups a command-history table by command and computes the
// fail and timeout rate of each command type, ordered by command.
func CommandRates(ctx context.Context, q crawldb.Querier, table string) ([]release.CommandRate, error) {
	query := fmt.Sprintf(`SELECT COALESCE(command, ''), COUNT(*),
		COALESCE(SUM(CASE WHEN bool_success = %d THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN bool_success = %d THEN 1 ELSE 0 END), 0)
		FROM %s GROUP BY 1 ORDER BY 1`, commandFailed, commandTimedOut, crawldb.Ident(table))
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("command rates from %s: %w", table, err)
	}
	defer rows.Close()

	var out []release.CommandRate
	for rows.Next() {
		var (
			command                 string
			total, failed, timedOut int64
		)
		if err := rows.Scan(&command, &total, &failed, &timedOut); err != nil {
			return nil, fmt.Errorf("scan command rate: %w", err)
		}
		out = append(out, NewCommandRate(command, total, failed, timedOut))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("command rates from %s: %w", table, err)
	}
	return out, nil
}
