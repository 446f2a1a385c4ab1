package job

import "sort"

// AllTag selects every recipient regardless of its tags.
const AllTag = "All"

// Skipped is a recipient excluded for a reason worth logging.
type Skipped struct {
	Recipient Recipient
	Reason    string
}

// Select applies the eligibility filter, preserving list order.
// Tag mismatches are dropped silently; group exclusions are reported.
func Select(class Class, rs []Recipient, tags []string) ([]Recipient, []Skipped) {
	all := false
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t == AllTag {
			all = true
		}
		want[t] = struct{}{}
	}

	var (
		in  []Recipient
		out []Skipped
	)
	for _, r := range rs {
		if class == Group {
			if r.IsBroadcast() {
				out = append(out, Skipped{Recipient: r, Reason: "broadcast"})
				continue
			}
			if r.AdminOnly {
				out = append(out, Skipped{Recipient: r, Reason: "admin_only"})
				continue
			}
		}
		if all || matches(r, want) {
			in = append(in, r)
		}
	}
	return in, out
}

func matches(r Recipient, want map[string]struct{}) bool {
	for _, t := range r.TagList() {
		if _, ok := want[t]; ok {
			return true
		}
	}
	return false
}

// Vocabulary returns AllTag followed by every distinct tag in rs, sorted.
func Vocabulary(rs []Recipient) []string {
	seen := map[string]struct{}{}
	for _, r := range rs {
		for _, t := range r.TagList() {
			if t != AllTag {
				seen[t] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return append([]string{AllTag}, out...)
}
