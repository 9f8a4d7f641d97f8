// Package reconcile aligns a source's activity rows with its extension
// roster, so every configured extension appears in a report even when it
// made no calls.
package reconcile

import "github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report"

// Reconcile returns exactly one stat per distinct roster extension. The
// first roster entry for an extension wins. Rows for extensions missing
// from the roster are dropped; roster extensions with no row get a zero
// stat carrying the roster name. An empty row name is filled from the
// roster. Order follows the roster.
func Reconcile(rows []report.ExtensionStat, roster []report.RosterEntry) []report.ExtensionStat {
	active := make(map[int]report.ExtensionStat, len(rows))
	for _, r := range rows {
		if _, dup := active[r.Extension]; !dup {
			active[r.Extension] = r
		}
	}

	out := make([]report.ExtensionStat, 0, len(roster))
	seen := make(map[int]struct{}, len(roster))
	for _, entry := range roster {
		if _, dup := seen[entry.Extension]; dup {
			continue
		}
		seen[entry.Extension] = struct{}{}

		stat, ok := active[entry.Extension]
		if !ok {
			stat = report.ExtensionStat{Extension: entry.Extension}
		}
		if stat.Name == "" {
			stat.Name = entry.Name
		}
		out = append(out, stat)
	}
	return out
}
