package crawldb

import "slices"

// TableDiff is the structural difference between a live table and its
// canonical definition.
type TableDiff struct {
	Table string
	// Added are canonical columns missing from the live table.
	Added []string
	// Dropped are live columns the canonical table no longer has.
	Dropped []string
	// Common are live columns kept by the canonical table, in live order.
	// visit_id is excluded when LegacyKey is set; it is re-derived.
	Common []string
	// LegacyKey is top_url or page_url when the live table is keyed by a raw
	// URL that must be replaced with visit_id.
	LegacyKey string

	same bool
}

// NeedsMigration reports whether the ordered column lists differ.
func (d TableDiff) NeedsMigration() bool {
	return !d.same
}

// Diff compares observed against canonical.
func Diff(observed Table, canonical TableDef) TableDiff {
	live := observed.ColumnNames()
	want := canonical.ColumnNames()

	d := TableDiff{Table: canonical.Name, same: slices.Equal(live, want)}
	for _, key := range []string{TopURLColumn, PageURLColumn} {
		if slices.Contains(live, key) && !slices.Contains(want, key) {
			d.LegacyKey = key
			break
		}
	}
	for _, c := range want {
		if !slices.Contains(live, c) {
			d.Added = append(d.Added, c)
		}
	}
	for _, c := range live {
		if !slices.Contains(want, c) {
			d.Dropped = append(d.Dropped, c)
			continue
		}
		if d.LegacyKey != "" && c == VisitIDColumn {
			continue
		}
		d.Common = append(d.Common, c)
	}
	return d
}
