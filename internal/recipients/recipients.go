// Package recipients loads ordered recipient lists from JSON, YAML or CSV files.
package recipients

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	"relaybot/internal/job"
	logx "relaybot/pkg/logx"
)

// Source resolves the recipient list for a class.
type Source struct {
	mu    sync.RWMutex
	paths map[job.Class]string
	log   logx.Logger
}

func NewSource(paths map[job.Class]string, log logx.Logger) *Source {
	if log.IsZero() {
		log = logx.Nop()
	}
	cp := make(map[job.Class]string, len(paths))
	for k, v := range paths {
		cp[k] = v
	}
	return &Source{paths: cp, log: log}
}

// SetPaths swaps the configured files (config hot reload).
func (s *Source) SetPaths(paths map[job.Class]string) {
	cp := make(map[job.Class]string, len(paths))
	for k, v := range paths {
		cp[k] = v
	}
	s.mu.Lock()
	s.paths = cp
	s.mu.Unlock()
}

// Load reads the list for class, or override when it is non-empty.
func (s *Source) Load(class job.Class, override string) ([]job.Recipient, error) {
	path := strings.TrimSpace(override)
	if path == "" {
		s.mu.RLock()
		path = s.paths[class]
		s.mu.RUnlock()
	}
	if path == "" {
		return nil, fmt.Errorf("no recipient list configured for %s", class)
	}
	return LoadFile(path)
}

// Vocabulary lists the tags known for class. Load failures degrade to ["All"].
func (s *Source) Vocabulary(class job.Class) []string {
	rs, err := s.Load(class, "")
	if err != nil {
		s.log.Debug("recipient list unavailable", logx.String("class", string(class)), logx.Err(err))
		return []string{job.AllTag}
	}
	return job.Vocabulary(rs)
}

type record struct {
	ID        string   `json:"id" yaml:"id"`
	UserID    string   `json:"user_id" yaml:"user_id"`
	GroupID   string   `json:"group_id" yaml:"group_id"`
	Name      string   `json:"name" yaml:"name"`
	Number    string   `json:"number" yaml:"number"`
	Tags      string   `json:"tags" yaml:"tags"`
	AdminOnly flexBool `json:"admin_only" yaml:"admin_only"`
	Broadcast flexBool `json:"broadcast" yaml:"broadcast"`
}

func (r record) recipient() job.Recipient {
	id := firstNonEmpty(r.ID, r.UserID, r.GroupID)
	return job.Recipient{
		ID:        strings.TrimSpace(id),
		Name:      strings.TrimSpace(r.Name),
		Number:    strings.TrimSpace(r.Number),
		Tags:      r.Tags,
		AdminOnly: bool(r.AdminOnly),
		Broadcast: bool(r.Broadcast),
	}
}

// LoadFile decodes a recipient list; the format follows the file extension.
// Rows without an id are dropped.
func LoadFile(path string) ([]job.Recipient, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var recs []record
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(b, &recs)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &recs)
	case ".csv":
		recs, err = decodeCSV(bytes.NewReader(b))
	default:
		return nil, fmt.Errorf("unsupported recipient list format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	out := make([]job.Recipient, 0, len(recs))
	for _, r := range recs {
		rc := r.recipient()
		if rc.ID == "" {
			continue
		}
		out = append(out, rc)
	}
	return out, nil
}

func decodeCSV(r io.Reader) ([]record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	get := func(row []string, names ...string) string {
		for _, n := range names {
			if i, ok := col[n]; ok && i < len(row) {
				if v := strings.TrimSpace(row[i]); v != "" {
					return v
				}
			}
		}
		return ""
	}

	var out []record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, record{
			ID:        get(row, "id", "user_id", "group_id"),
			Name:      get(row, "name"),
			Number:    get(row, "number", "phone"),
			Tags:      get(row, "tags"),
			AdminOnly: flexBool(truthy(get(row, "admin_only"))),
			Broadcast: flexBool(truthy(get(row, "broadcast"))),
		})
	}
	return out, nil
}

// flexBool accepts true/false as well as the "Yes"/"No" strings spreadsheets export.
type flexBool bool

func (b *flexBool) UnmarshalJSON(p []byte) error {
	var v any
	if err := json.Unmarshal(p, &v); err != nil {
		return err
	}
	*b = flexBool(truthy(fmt.Sprint(v)))
	return nil
}

func (b *flexBool) UnmarshalYAML(n *yaml.Node) error {
	*b = flexBool(truthy(n.Value))
	return nil
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
