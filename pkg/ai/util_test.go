package ai

import (
	"testing"
)

func TestUnmarshalFlexible_ObjectVariants(t *testing.T) {
	type keywords struct {
		High []string `json:"high_level_keywords"`
		Low  []string `json:"low_level_keywords"`
	}

	tests := []struct {
		name  string
		input string
		want  keywords
	}{
		{
			name:  "valid json object",
			input: `{"high_level_keywords":["trade"],"low_level_keywords":["tariffs"]}`,
			want:  keywords{High: []string{"trade"}, Low: []string{"tariffs"}},
		},
		{
			name:  "unquoted keys and single quotes",
			input: `{high_level_keywords: ['trade'], low_level_keywords: ['tariffs']}`,
			want:  keywords{High: []string{"trade"}, Low: []string{"tariffs"}},
		},
		{
			name:  "trailing comma",
			input: `{"high_level_keywords":["trade"],"low_level_keywords":["tariffs"],}`,
			want:  keywords{High: []string{"trade"}, Low: []string{"tariffs"}},
		},
		{
			name:  "missing end bracket",
			input: `{"high_level_keywords":["trade"],"low_level_keywords":["tariffs"`,
			want:  keywords{High: []string{"trade"}, Low: []string{"tariffs"}},
		},
		{
			name:  "stringified json",
			input: `"{\"high_level_keywords\":[\"trade\"],\"low_level_keywords\":[\"tariffs\"]}"`,
			want:  keywords{High: []string{"trade"}, Low: []string{"tariffs"}},
		},
		{
			name:  "duplicate leading brace",
			input: "{\n{\n  \"high_level_keywords\": [\"trade\"],\n  \"low_level_keywords\": [\"tariffs\"]\n}\n",
			want:  keywords{High: []string{"trade"}, Low: []string{"tariffs"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got keywords
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if len(got.High) != len(tc.want.High) || len(got.Low) != len(tc.want.Low) {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
			for i := range got.High {
				if got.High[i] != tc.want.High[i] {
					t.Fatalf("high[%d] = %q, want %q", i, got.High[i], tc.want.High[i])
				}
			}
			for i := range got.Low {
				if got.Low[i] != tc.want.Low[i] {
					t.Fatalf("low[%d] = %q, want %q", i, got.Low[i], tc.want.Low[i])
				}
			}
		})
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	var got struct {
		Name string `json:"name"`
	}
	if err := UnmarshalFlexible("hello", &got); err == nil {
		t.Fatalf("UnmarshalFlexible() expected error for unrecoverable input")
	}
}
