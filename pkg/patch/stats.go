package patch

import "github.com/entrhq/taskgate/pkg/security/pathguard"

// LineChanges is the number of lines a diff adds and removes in one file.
type LineChanges struct {
	Path         string
	LinesAdded   int
	LinesRemoved int
}

// Stats counts added and removed lines per file section, in diff order.
func Stats(d *Diff) []LineChanges {
	if d == nil {
		return nil
	}

	stats := make([]LineChanges, 0, len(d.Files))
	for i := range d.Files {
		f := &d.Files[i]
		lc := LineChanges{Path: pathguard.Normalize(f.Target())}
		for _, h := range f.Hunks {
			lc.LinesAdded += h.Added
			lc.LinesRemoved += h.Removed
		}
		stats = append(stats, lc)
	}
	return stats
}
