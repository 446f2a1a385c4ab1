// Package job holds the dispatch job model: recipient classes, payload variants,
// the job specification and its canonical fingerprint.
package job

import (
	"fmt"
	"sort"
	"strings"
)

// Class selects one of the two independent dispatch pipelines.
type Class string

const (
	Contact Class = "contact"
	Group   Class = "group"
)

// Classes lists every class in a stable order.
var Classes = []Class{Contact, Group}

func ParseClass(s string) (Class, error) {
	switch Class(strings.ToLower(strings.TrimSpace(s))) {
	case Contact, "contacts":
		return Contact, nil
	case Group, "groups":
		return Group, nil
	default:
		return "", fmt.Errorf("unknown recipient class %q", s)
	}
}

// Recipient is one addressable target as loaded from a recipient list.
type Recipient struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Number    string `json:"number,omitempty"`
	Tags      string `json:"tags,omitempty"`
	AdminOnly bool   `json:"admin_only,omitempty"`
	Broadcast bool   `json:"broadcast,omitempty"`
}

// IsBroadcast reports whether r is a broadcast pseudo-recipient.
func (r Recipient) IsBroadcast() bool {
	return r.Broadcast || strings.Contains(r.ID, "@broadcast")
}

// TagList splits the comma-separated tag string, dropping blanks.
func (r Recipient) TagList() []string {
	return SplitList(r.Tags)
}

// Origin records who triggered a job.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

type PayloadKind string

const (
	KindText        PayloadKind = "text"
	KindContactCard PayloadKind = "contact_card"
)

// Payload is either TextMessage or ContactCardMessage.
type Payload interface {
	Kind() PayloadKind
	// Empty reports whether there is nothing to send besides attachments.
	Empty() bool
	// Body is the canonical textual form used for fingerprinting.
	Body() string
}

type TextMessage struct {
	Text string
}

func (TextMessage) Kind() PayloadKind { return KindText }
func (m TextMessage) Empty() bool     { return strings.TrimSpace(m.Text) == "" }
func (m TextMessage) Body() string    { return m.Text }

// ContactCardMessage forwards one contact card per phone number.
type ContactCardMessage struct {
	Numbers []string
}

func (ContactCardMessage) Kind() PayloadKind { return KindContactCard }
func (m ContactCardMessage) Empty() bool     { return len(m.Numbers) == 0 }
func (m ContactCardMessage) Body() string    { return strings.Join(m.Numbers, ",") }

// NewPayload builds the payload variant chosen by the caller.
func NewPayload(message string, asContact bool) Payload {
	if asContact {
		return ContactCardMessage{Numbers: SplitList(message)}
	}
	return TextMessage{Text: message}
}

// Spec describes one dispatch job.
type Spec struct {
	Payload       Payload
	Attachments   map[string]string // path -> caption
	Tags          []string
	Origin        Origin
	RecipientFile string
}

// AttachmentPaths returns attachment paths sorted lexically.
func (s Spec) AttachmentPaths() []string {
	out := make([]string, 0, len(s.Attachments))
	for p := range s.Attachments {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Step tags mark completed units of work for one recipient.
const StepText = "text"

func MediaStep(path string) string { return "media:" + path }

// SplitList splits a comma-separated string, trimming blanks.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
