package document

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParse_PreservesKeyOrder(t *testing.T) {
	v, err := Parse([]byte(`{"z":1,"a":{"y":true,"b":null},"m":[1,"two"]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	m, ok := v.AsMap()
	if !ok {
		t.Fatalf("Kind = %v, want map", v.Kind())
	}
	keys := m.Keys()
	want := []string{"z", "a", "m"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", keys, want)
		}
	}

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"z":1,"a":{"y":true,"b":null},"m":[1,"two"]}` {
		t.Errorf("Marshal() = %s", out)
	}
}

func TestParse_RejectsTrailingData(t *testing.T) {
	if _, err := Parse([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Error("expected error for trailing data")
	}
}

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	a, _ := Parse([]byte(`{"b":1,"a":2}`))
	b, _ := Parse([]byte(`{"a":2,"b":1}`))

	ca, _ := a.CanonicalJSON()
	cb, _ := b.CanonicalJSON()
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ: %s vs %s", ca, cb)
	}
	if !a.Equal(b) {
		t.Error("Equal() should ignore key order")
	}
}

func TestMerge(t *testing.T) {
	base := MustFromAny(map[string]any{"y": 2})
	overlay := MustFromAny(map[string]any{"x": 1})

	merged := Merge(base, overlay)
	want := MustFromAny(map[string]any{"y": 2, "x": 1})
	if !merged.Equal(want) {
		t.Errorf("Merge() = %v, want %v", merged.Any(), want.Any())
	}

	m, _ := merged.AsMap()
	if keys := m.Keys(); keys[0] != "y" || keys[1] != "x" {
		t.Errorf("Merge() key order = %v, want [y x]", keys)
	}

	// base must not be mutated
	if _, ok := base.Get("x"); ok {
		t.Error("Merge() mutated base")
	}
}

func TestMerge_NonMapOverlay(t *testing.T) {
	base := MustFromAny(map[string]any{"y": 2})
	if got := Merge(base, Number(3)); !got.Equal(base) {
		t.Errorf("non-map overlay should leave base unchanged, got %v", got.Any())
	}
	overlay := MustFromAny(map[string]any{"x": 1})
	if got := Merge(String("s"), overlay); !got.Equal(overlay) {
		t.Errorf("non-map base should be replaced, got %v", got.Any())
	}
}

func TestFromAny_Unsupported(t *testing.T) {
	if _, err := FromAny(struct{}{}); err == nil {
		t.Error("expected error for struct")
	}
}

func TestAny_RoundTrip(t *testing.T) {
	in := map[string]any{"n": 1.5, "s": "x", "b": true, "l": []any{"a", nil}}
	v := MustFromAny(in)
	back, err := FromAny(v.Any())
	if err != nil {
		t.Fatalf("FromAny() error = %v", err)
	}
	if !back.Equal(v) {
		t.Errorf("round trip mismatch: %v", back.Any())
	}
}

func TestUnmarshalYAML(t *testing.T) {
	var v Value
	if err := yaml.Unmarshal([]byte("amount: 10\ncountry: DE\ntags: [a, b]\n"), &v); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	amount, ok := v.Get("amount")
	if n, _ := amount.AsNumber(); !ok || n != 10 {
		t.Errorf("amount = %v, want 10", amount.Any())
	}
	tags, _ := v.Get("tags")
	if list, ok := tags.AsList(); !ok || len(list) != 2 {
		t.Errorf("tags = %v, want 2 items", tags.Any())
	}
}
