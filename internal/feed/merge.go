package feed

import "slices"

func compareItems[M Item](a, b M) int {
	ca, cb := CursorOf(a), CursorOf(b)
	switch {
	case ca.Less(cb):
		return -1
	case cb.Less(ca):
		return 1
	}
	return 0
}

func sortItems[M Item](items []M) {
	slices.SortStableFunc(items, compareItems[M])
}

// oldestCursor returns the cursor of the oldest item of page, regardless of
// the order the backend delivered it in.
func oldestCursor[M Item](page []M) Cursor {
	var oldest Cursor
	for i, m := range page {
		c := CursorOf(m)
		if i == 0 || c.Less(oldest) {
			oldest = c
		}
	}
	return oldest
}

func newestCursor[M Item](page []M) Cursor {
	var newest Cursor
	for i, m := range page {
		c := CursorOf(m)
		if i == 0 || newest.Less(c) {
			newest = c
		}
	}
	return newest
}

// leavesGap reports whether a full live page starts after everything the
// previous live page held, so items between the two may never have been
// delivered.
func leavesGap[M Item](page []M, limit int, prevNewest Cursor) bool {
	return len(page) >= limit && !prevNewest.IsZero() && prevNewest.Less(oldestCursor(page))
}

func isBlocked(blocked map[string]struct{}, sender string) bool {
	_, ok := blocked[sender]
	return ok
}

// mergeLive folds a live snapshot into window.
//
// Items of the snapshot replace window entries with the same id. Window
// entries inside the range the snapshot covers but missing from it were
// deleted upstream and are dropped. A short snapshot covers the whole
// conversation; a full one covers everything from its oldest item on.
func mergeLive[M Item](window, page []M, limit int, blocked map[string]struct{}) []M {
	fresh := make(map[string]struct{}, len(page))
	for _, m := range page {
		fresh[m.FeedID()] = struct{}{}
	}
	full := len(page) >= limit
	boundary := oldestCursor(page)

	out := make([]M, 0, len(window)+len(page))
	for _, m := range window {
		if _, ok := fresh[m.FeedID()]; ok {
			continue
		}
		if !full || !CursorOf(m).Less(boundary) {
			continue
		}
		out = append(out, m)
	}

	seen := make(map[string]struct{}, len(page))
	for _, m := range page {
		if _, dup := seen[m.FeedID()]; dup {
			continue
		}
		seen[m.FeedID()] = struct{}{}
		if isBlocked(blocked, m.FeedSender()) {
			continue
		}
		out = append(out, m)
	}
	sortItems(out)
	return out
}

// mergeOlder puts a page of historical items in front of window. Entries
// already present keep the window's copy, which came from the live query.
func mergeOlder[M Item](window, page []M, blocked map[string]struct{}) []M {
	present := make(map[string]struct{}, len(window)+len(page))
	for _, m := range window {
		present[m.FeedID()] = struct{}{}
	}

	out := make([]M, 0, len(window)+len(page))
	for _, m := range page {
		if _, ok := present[m.FeedID()]; ok {
			continue
		}
		present[m.FeedID()] = struct{}{}
		if isBlocked(blocked, m.FeedSender()) {
			continue
		}
		out = append(out, m)
	}
	out = append(out, window...)
	sortItems(out)
	return out
}

func prune[M Item](window []M, blocked map[string]struct{}) []M {
	out := window[:0:0]
	for _, m := range window {
		if !isBlocked(blocked, m.FeedSender()) {
			out = append(out, m)
		}
	}
	return out
}
