package lenientjson

import "testing"

func TestExtract(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		shape  Shape
		want   string
		wantOK bool
	}{
		{"plain object", `{"a":1}`, Object, `{"a":1}`, true},
		{"fenced object", "```json\n{\"a\":1}\n```", Object, `{"a":1}`, true},
		{"fence without tag", "```\n{\"a\":1}\n```", Object, `{"a":1}`, true},
		{"prose around object", `Sure! Here it is: {"a":{"b":2}} hope it helps`, Object, `{"a":{"b":2}}`, true},
		{"no braces", "I could not decide", Object, "", false},
		{"reversed braces", "} oops {", Object, "", false},
		{"empty", "   ", Object, "", false},
		{"array", `[{"a":1},{"a":2}]`, Array, `[{"a":1},{"a":2}]`, true},
		{"fenced array", "```json\n[{\"a\":1}]\n```", Array, `[{"a":1}]`, true},
		{"object wrapped into array", `{"a":1}`, Array, `[{"a":1}]`, true},
		{"comma separated objects", `{"a":1},{"a":2}`, Array, `[{"a":1},{"a":2}]`, true},
		{"array inside prose", `result: [1,2] done`, Array, `[1,2]`, true},
		{"nothing for array", "none", Array, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.raw, tt.shape)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	var v struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	}
	if !Decode("```json\n{\"type\":\"Navigate\",\"url\":\"https://a.ir\"}\n```", &v) {
		t.Fatalf("expected decode success")
	}
	if v.Type != "Navigate" || v.URL != "https://a.ir" {
		t.Fatalf("unexpected value: %+v", v)
	}

	if Decode(`{"type": Navigate}`, &v) {
		t.Fatalf("invalid json inside braces must fail")
	}
	if Decode("no json here", &v) {
		t.Fatalf("missing object must fail")
	}
}

func TestDecodeArray_SingleObject(t *testing.T) {
	var out []struct {
		Name string `json:"competitorName"`
	}
	if !DecodeArray(`{"competitorName":"دیجی کالا"}`, &out) {
		t.Fatalf("expected single object to decode as array")
	}
	if len(out) != 1 || out[0].Name != "دیجی کالا" {
		t.Fatalf("unexpected result: %+v", out)
	}
}
