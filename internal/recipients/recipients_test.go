package recipients

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"relaybot/internal/job"
	logx "relaybot/pkg/logx"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadFileFormats(t *testing.T) {
	want := []job.Recipient{
		{ID: "111@c.us", Name: "Ann", Tags: "vip"},
		{ID: "222@g.us", Name: "Club", Tags: "", AdminOnly: true},
	}

	cases := map[string]string{
		"list.json": `[{"user_id":"111@c.us","name":"Ann","tags":"vip"},{"group_id":"222@g.us","name":"Club","admin_only":"Yes"},{"name":"no id"}]`,
		"list.yaml": "- id: 111@c.us\n  name: Ann\n  tags: vip\n- id: 222@g.us\n  name: Club\n  admin_only: yes\n",
		"list.csv":  "group_id,name,tags,admin_only\n111@c.us,Ann,vip,No\n222@g.us,Club,,Yes\n,orphan,,\n",
	}
	for name, body := range cases {
		got, err := LoadFile(writeFile(t, name, body))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: got %+v, want %+v", name, got, want)
		}
	}
}

func TestSourceVocabularyDegrades(t *testing.T) {
	s := NewSource(map[job.Class]string{job.Contact: filepath.Join(t.TempDir(), "missing.json")}, logx.Nop())
	got := s.Vocabulary(job.Contact)
	if !reflect.DeepEqual(got, []string{job.AllTag}) {
		t.Fatalf("vocabulary = %v", got)
	}
	if _, err := s.Load(job.Group, ""); err == nil {
		t.Fatalf("expected error for unconfigured class")
	}
}
