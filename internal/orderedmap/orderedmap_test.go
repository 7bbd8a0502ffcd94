package orderedmap

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestInsertionOrder(t *testing.T) {
	m := New[string, int]()
	m.Set("up_blocks", 3)
	m.Set("down_blocks", 1)
	m.Set("mid_block", 2)
	m.Set("up_blocks", 4)

	if diff := cmp.Diff([]string{"up_blocks", "down_blocks", "mid_block"}, m.Keys()); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}

	if v, ok := m.Get("up_blocks"); !ok || v != 4 {
		t.Errorf("Get(up_blocks) = %d, %t", v, ok)
	}
}

func TestJSONKeepsDocumentOrder(t *testing.T) {
	var m Map[string, []int]
	if err := json.Unmarshal([]byte(`{"z":[1],"a":[2],"m":[3]}`), &m); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"z", "a", "m"}, m.Keys()); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}

	bts, err := json.Marshal(&m)
	if err != nil {
		t.Fatal(err)
	}

	if got := string(bts); got != `{"z":[1],"a":[2],"m":[3]}` {
		t.Errorf("MarshalJSON() = %s", got)
	}
}

func TestNilMap(t *testing.T) {
	var m *Map[string, int]
	if m.Len() != 0 {
		t.Errorf("expected empty")
	}

	if _, ok := m.Get("x"); ok {
		t.Errorf("expected missing")
	}

	for range m.All() {
		t.Errorf("expected no iteration")
	}
}
