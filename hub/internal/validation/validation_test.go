package validation

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestValidateRegistration(t *testing.T) {
	tooMany := make([]string, DefaultMaxCapabilities+1)
	for i := range tooMany {
		tooMany[i] = "cap"
	}

	tests := []struct {
		name      string
		caps      []string
		userAgent string
		metadata  map[string]any
		field     string // empty means valid
	}{
		{name: "valid", caps: []string{"fetch_page", "all_tools"}, userAgent: "Mozilla/5.0", metadata: map[string]any{"version": "1.0"}},
		{name: "empty capability list", caps: []string{}},
		{name: "nil capabilities", caps: nil, field: "capabilities"},
		{name: "empty capability", caps: []string{"ok", ""}, field: "capabilities"},
		{name: "capability too long", caps: []string{strings.Repeat("x", 101)}, field: "capabilities"},
		{name: "capability at limit", caps: []string{strings.Repeat("x", 100)}},
		{name: "too many capabilities", caps: tooMany, field: "capabilities"},
		{name: "user agent too long", caps: []string{}, userAgent: strings.Repeat("u", 501), field: "userAgent"},
		{name: "metadata too big", caps: []string{}, metadata: map[string]any{"blob": strings.Repeat("m", 10000)}, field: "metadata"},
		{name: "proto key", caps: []string{}, metadata: map[string]any{"__proto__": map[string]any{"admin": true}}, field: "metadata"},
		{name: "constructor key", caps: []string{}, metadata: map[string]any{"constructor": 1}, field: "metadata"},
		{name: "nested proto key allowed", caps: []string{}, metadata: map[string]any{"a": map[string]any{"prototype": 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRegistration(tt.caps, tt.userAgent, tt.metadata, Limits{})
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *Error
			if !errors.As(err, &ve) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field: got %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestValidateRegistration_CustomLimits(t *testing.T) {
	limits := Limits{MaxCapabilities: 1}
	if err := ValidateRegistration([]string{"a", "b"}, "", nil, limits); err == nil {
		t.Fatal("expected capability count error")
	}
	if err := ValidateRegistration([]string{"a"}, "", nil, limits); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSanitizeMetadata(t *testing.T) {
	in := map[string]any{
		"name":        "ext",
		"count":       3,
		"ok":          true,
		"nothing":     nil,
		"fn":          func() {},
		"ch":          make(chan int),
		"__proto__":   map[string]any{"polluted": true},
		"constructor": "x",
		"nested": map[string]any{
			"prototype": 1,
			"keep":      "yes",
			"deeper":    map[string]any{"__proto__": 1, "v": 2.5},
		},
		"list":    []any{"a", 1, nil, map[string]any{"x": 1}, []any{1}},
		"strings": []string{"x", "y"},
	}

	got := SanitizeMetadata(in)
	want := map[string]any{
		"name":    "ext",
		"count":   3,
		"ok":      true,
		"nothing": nil,
		"nested": map[string]any{
			"keep":   "yes",
			"deeper": map[string]any{"v": 2.5},
		},
		"list":    []any{"a", 1, nil},
		"strings": []any{"x", "y"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SanitizeMetadata:\n got  %#v\n want %#v", got, want)
	}
}

func TestSanitizeMetadata_Idempotent(t *testing.T) {
	inputs := []string{
		`{}`,
		`{"a":1,"b":{"c":[1,"2",null,{"d":1},[3]],"__proto__":{"x":1}}}`,
		`{"constructor":{"prototype":{"polluted":true}},"safe":{"prototype":[1,2]}}`,
		`{"deep":{"deeper":{"deepest":{"constructor":1,"v":[true,false,{}]}}}}`,
	}
	for _, raw := range inputs {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		once := SanitizeMetadata(m)
		twice := SanitizeMetadata(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("not idempotent for %s:\n once  %#v\n twice %#v", raw, once, twice)
		}
		assertNoDangerousKeys(t, once)
	}
}

func assertNoDangerousKeys(t *testing.T, v any) {
	t.Helper()
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if IsDangerousKey(k) {
				t.Errorf("dangerous key %q survived sanitization", k)
			}
			assertNoDangerousKeys(t, inner)
		}
	case []any:
		for _, inner := range val {
			assertNoDangerousKeys(t, inner)
		}
	}
}

func TestSanitizeMetadata_Nil(t *testing.T) {
	if SanitizeMetadata(nil) != nil {
		t.Error("nil in should be nil out")
	}
}
