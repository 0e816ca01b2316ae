package jsonrpc

import "testing"

func TestSplitObjects(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
		rest     string
	}{
		{
			name:     "single object",
			input:    `{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
			expected: []string{`{"jsonrpc":"2.0","id":1,"method":"initialize"}`},
		},
		{
			name:     "two concatenated objects",
			input:    `{"id":1}{"id":2}`,
			expected: []string{`{"id":1}`, `{"id":2}`},
		},
		{
			name:     "brace inside string value",
			input:    `{"text":"closing } brace"}{"id":2}`,
			expected: []string{`{"text":"closing } brace"}`, `{"id":2}`},
		},
		{
			name:     "escaped quote inside string",
			input:    `{"text":"say \"}\" loud"}`,
			expected: []string{`{"text":"say \"}\" loud"}`},
		},
		{
			name:     "log text before object is discarded",
			input:    `[debug] agent starting {"id":1}`,
			expected: []string{`{"id":1}`},
		},
		{
			name:     "nested objects stay whole",
			input:    `{"params":{"toolCall":{"id":"t1"}}}`,
			expected: []string{`{"params":{"toolCall":{"id":"t1"}}}`},
		},
		{
			name:     "truncated trailing object returned as rest",
			input:    `{"id":1}{"id":2,"result":{"sess`,
			expected: []string{`{"id":1}`},
			rest:     `{"id":2,"result":{"sess`,
		},
		{
			name:  "no object at all",
			input: `Debugger attached.`,
		},
		{
			name:  "only a truncated object",
			input: `{"jsonrpc":"2.0","id":`,
			rest:  `{"jsonrpc":"2.0","id":`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects, rest := SplitObjects([]byte(tt.input))
			if len(objects) != len(tt.expected) {
				t.Fatalf("Expected %d objects, got %d: %q", len(tt.expected), len(objects), objects)
			}
			for i, want := range tt.expected {
				if string(objects[i]) != want {
					t.Errorf("Object %d: expected %q, got %q", i, want, objects[i])
				}
			}
			if string(rest) != tt.rest {
				t.Errorf("Expected rest %q, got %q", tt.rest, rest)
			}
		})
	}
}
