package importer

import (
	"errors"

	"credsync/internal/domain"
)

var (
	ErrNoMatch   = errors.New("participant not found")
	ErrAmbiguous = errors.New("ambiguous participant match")
)

type matchKey struct {
	name    string
	taxID   string
	company string
}

// Roster is the read-only participant lookup set for one run, indexed by
// the normalized (name, tax id, company) triple.
type Roster struct {
	byKey map[matchKey][]domain.Participant
}

// NewRoster indexes the fetched participants.
func NewRoster(participants []domain.Participant) *Roster {
	byKey := make(map[matchKey][]domain.Participant, len(participants))
	for _, p := range participants {
		k := matchKey{
			name:    FoldText(p.Name),
			taxID:   DigitsOnly(p.TaxID),
			company: FoldText(p.Company),
		}
		byKey[k] = append(byKey[k], p)
	}
	return &Roster{byKey: byKey}
}

// Resolve finds the participant whose normalized triple equals the row's.
// Exact equality on all three fields; no fuzzy fallback. A key shared by
// more than one participant is an ambiguity, reported as an error rather
// than picking one arbitrarily.
func (r *Roster) Resolve(row domain.Row) (domain.Participant, error) {
	k := matchKey{
		name:    FoldText(row.Name),
		taxID:   DigitsOnly(row.TaxID),
		company: FoldText(row.Company),
	}
	candidates := r.byKey[k]
	switch len(candidates) {
	case 0:
		return domain.Participant{}, ErrNoMatch
	case 1:
		return candidates[0], nil
	default:
		return domain.Participant{}, ErrAmbiguous
	}
}

// Size returns the number of indexed participants.
func (r *Roster) Size() int {
	n := 0
	for _, c := range r.byKey {
		n += len(c)
	}
	return n
}
