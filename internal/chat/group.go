package chat

import (
	"time"

	"github.com/xaenox/copilot-chat/internal/models"
)

const (
	GroupToday    = "Today"
	GroupPrevious = "Previous 30 days"
	GroupOlder    = "Older"
)

type Group struct {
	Label   string
	Threads []models.Thread
}

// GroupThreads sorts threads into Today, Previous 30 days and Older,
// keeping their order inside each group. Empty groups are kept so the
// labels are always the same three.
func GroupThreads(threads []models.Thread, now time.Time) []Group {
	groups := []Group{{Label: GroupToday}, {Label: GroupPrevious}, {Label: GroupOlder}}
	cutoff := now.AddDate(0, 0, -30)

	for _, t := range threads {
		created := t.CreatedAt.In(now.Location())
		switch {
		case sameDay(created, now):
			groups[0].Threads = append(groups[0].Threads, t)
		case !created.Before(cutoff):
			groups[1].Threads = append(groups[1].Threads, t)
		default:
			groups[2].Threads = append(groups[2].Threads, t)
		}
	}
	return groups
}

// Groups returns the owner's threads grouped by age.
func (s *Store) Groups(threads []models.Thread) []Group {
	return GroupThreads(threads, s.now().In(s.location))
}
