// Package match resolves a recognised student name to a roster entry.
package match

import (
	"log/slog"
	"strings"

	"github.com/pavelanni/omrgrade/internal/model"
)

// Matcher resolves names by exact equality, then by substring containment.
//
// Containment is imprecise: "Min" is contained in both "Kim Min" and
// "Min Jun". By default the first containing entry in roster order wins;
// with RejectAmbiguous set, more than one containing entry leaves the scan
// unmatched for manual resolution.
type Matcher struct {
	RejectAmbiguous bool
}

// Match returns the matched student ID (empty when unmatched) and how the
// match was made.
func (m Matcher) Match(name string, roster []model.RosterEntry) (string, model.MatchKind) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", model.MatchNone
	}

	for _, e := range roster {
		if strings.TrimSpace(e.DisplayName) == name {
			return e.StudentID, model.MatchExact
		}
	}

	var candidates []model.RosterEntry
	for _, e := range roster {
		dn := strings.TrimSpace(e.DisplayName)
		if dn == "" {
			continue
		}
		if strings.Contains(dn, name) || strings.Contains(name, dn) {
			candidates = append(candidates, e)
			if !m.RejectAmbiguous {
				break
			}
		}
	}

	switch {
	case len(candidates) == 0:
		return "", model.MatchNone
	case len(candidates) > 1:
		slog.Warn("ambiguous name match left for manual resolution", "name", name, "candidates", len(candidates))
		return "", model.MatchAmbiguous
	}
	return candidates[0].StudentID, model.MatchContains
}

// Match applies the default first-match policy.
func Match(name string, roster []model.RosterEntry) string {
	id, _ := Matcher{}.Match(name, roster)
	return id
}

// Apply attaches the match for res to a MatchedScan.
func (m Matcher) Apply(res model.RecognitionResult, roster []model.RosterEntry) model.MatchedScan {
	id, kind := m.Match(res.StudentName, roster)
	return model.MatchedScan{RecognitionResult: res, MatchedStudentID: id, MatchKind: kind}
}
