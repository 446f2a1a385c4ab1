package controlplane

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"relaybot/internal/job"
)

// Frame types.
const (
	TypeRegister     = "register"
	TypeStatus       = "posting-status"
	TypeFileTransfer = "file-transfer"
)

type envelope struct {
	Type string `json:"type"`
}

type RegisterFrame struct {
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	ContactTags []string `json:"contactTags"`
	GroupTags   []string `json:"groupTags"`
}

type StatusFrame struct {
	Type           string `json:"type"`
	ContactPosting bool   `json:"contactPosting"`
	GroupPosting   bool   `json:"groupPosting"`
}

// Attachment references one file of a transfer. Path is the older name of
// ContentRef.
type Attachment struct {
	Name       string `json:"name"`
	Caption    string `json:"caption"`
	ContentRef string `json:"contentRef,omitempty"`
	Path       string `json:"path,omitempty"`
}

func (a Attachment) ref() string {
	if a.ContentRef != "" {
		return a.ContentRef
	}
	return a.Path
}

// FileTransfer is an inbound dispatch command. Files and SelectedDevices
// are accepted from older coordinators.
type FileTransfer struct {
	Type            string       `json:"type"`
	Message         string       `json:"message"`
	SendAsContact   bool         `json:"sendAsContact"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Files           []Attachment `json:"files,omitempty"`
	SelectedTags    []string     `json:"selectedTags"`
	PostingType     string       `json:"postingType"`
	TargetInstances []string     `json:"targetInstances,omitempty"`
	SelectedDevices []string     `json:"selectedDevices,omitempty"`
}

func (f FileTransfer) targets() []string {
	return append(slices.Clone(f.TargetInstances), f.SelectedDevices...)
}

func (f FileTransfer) attachments() []Attachment {
	return append(slices.Clone(f.Attachments), f.Files...)
}

// AddressedTo reports whether name is one of the transfer's targets.
func (f FileTransfer) AddressedTo(name string) bool {
	return name != "" && slices.Contains(f.targets(), name)
}

func (f FileTransfer) Class() (job.Class, error) {
	return job.ParseClass(f.PostingType)
}

// httpOrigin maps the coordinator socket URL to the HTTP origin relative
// attachment paths resolve against: ws becomes http, wss becomes https.
func httpOrigin(wsURL string) (*url.URL, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported control plane scheme %q", u.Scheme)
	}
	u.Path, u.RawPath, u.RawQuery, u.Fragment = "/", "", "", ""
	return u, nil
}
