package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

type canonicalSpec struct {
	Kind        PayloadKind `json:"kind"`
	Message     string      `json:"message"`
	Attachments [][2]string `json:"attachments"`
	Tags        []string    `json:"tags"`
}

// Fingerprint hashes the semantic content of s. Tag order and attachment map
// order do not participate; origin and recipient file do not either.
func (s Spec) Fingerprint() string {
	c := canonicalSpec{
		Kind:        KindText,
		Attachments: make([][2]string, 0, len(s.Attachments)),
		Tags:        normalizeTags(s.Tags),
	}
	if s.Payload != nil {
		c.Kind = s.Payload.Kind()
		c.Message = s.Payload.Body()
	}
	for _, p := range s.AttachmentPaths() {
		c.Attachments = append(c.Attachments, [2]string{p, s.Attachments[p]})
	}

	// Marshal of plain strings/slices cannot fail.
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
