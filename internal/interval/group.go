package interval

import "sort"

// GroupAccountPrefix prefixes every synthetic group id. Real account ids
// never cross a user boundary during group scheduling; only these synthetic
// ids do.
const GroupAccountPrefix = "group:"

// GroupAccountID returns the synthetic account id for a participant.
func GroupAccountID(userID string) string {
	return GroupAccountPrefix + userID
}

// BuildGroupBusy merges each participant's busy list internally and re-tags
// the merged intervals with that participant's synthetic group id. It
// returns the combined busy list plus the full set of synthetic ids, which
// callers pass as required accounts so every participant is a hard
// constraint.
func BuildGroupBusy(perUser map[string][]Interval) ([]Interval, []string) {
	users := make([]string, 0, len(perUser))
	for user := range perUser {
		users = append(users, user)
	}
	sort.Strings(users)

	var busy []Interval
	required := make([]string, 0, len(users))
	for _, user := range users {
		synthetic := GroupAccountID(user)
		required = append(required, synthetic)
		for _, iv := range MergeOverlapping(perUser[user]) {
			// Strip the real account ids; only the synthetic id survives.
			busy = append(busy, NewInterval(iv.Start, iv.End, synthetic))
		}
	}
	return busy, required
}
