package checkin

import (
	"sort"
	"strings"

	"attendly/internal/model"
)

type SortField string

const (
	SortByTime  SortField = "time"
	SortByName  SortField = "name"
	SortByEmail SortField = "email"
)

// ListOptions filters and orders the checked-in projection. Query is a
// case-insensitive substring match against name and email.
type ListOptions struct {
	Query  string
	SortBy SortField
	Desc   bool
}

// CheckedInList derives the attended subset of the cached roster: anyone
// whose normalized status is attended or who carries a check-in timestamp.
// The projection is a pure function of the roster, so a forced reload
// always reproduces it from the store alone.
func (r *Reconciler) CheckedInList(opts ListOptions) []model.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	query := strings.ToLower(strings.TrimSpace(opts.Query))

	var list []model.Participant
	for _, p := range r.roster {
		if !p.IsCheckedIn() {
			continue
		}
		if query != "" && !matchesQuery(p, query) {
			continue
		}
		list = append(list, *p)
	}

	less := func(a, b *model.Participant) bool {
		switch opts.SortBy {
		case SortByName:
			return strings.ToLower(a.FullName()) < strings.ToLower(b.FullName())
		case SortByEmail:
			return strings.ToLower(a.Email) < strings.ToLower(b.Email)
		default:
			return a.CheckInTime(now).Before(b.CheckInTime(now))
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if opts.Desc {
			return less(&list[j], &list[i])
		}
		return less(&list[i], &list[j])
	})
	return list
}

func matchesQuery(p *model.Participant, query string) bool {
	return strings.Contains(strings.ToLower(p.FullName()), query) ||
		strings.Contains(strings.ToLower(p.Email), query)
}
