package irex

import (
	"os"
	"strings"
	"testing"
)

// withStdin feeds input to prompts reading os.Stdin.
func withStdin(t *testing.T, input string) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteString(input); err != nil {
		t.Fatal(err)
	}
	w.Close()

	old := os.Stdin
	os.Stdin = r
	t.Cleanup(func() {
		os.Stdin = old
		r.Close()
	})
}

func TestParseSelectionIndices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		max         int
		want        []int
		wantExclude bool
		wantErr     string
	}{
		{name: "empty input", input: "", max: 5, want: nil},
		{name: "single", input: "3", max: 5, want: []int{2}},
		{name: "multiple sorted", input: "4, 1, 2", max: 5, want: []int{0, 1, 3}},
		{name: "duplicates collapse", input: "2,2,2", max: 5, want: []int{1}},
		{name: "exclusion", input: "-2,-4", max: 5, want: []int{0, 2, 4}, wantExclude: true},
		{name: "trailing comma", input: "1,", max: 3, want: []int{0}},
		{name: "zero out of range", input: "0", max: 5, wantErr: "out of range"},
		{name: "too large", input: "6", max: 5, wantErr: "out of range"},
		{name: "not a number", input: "abc", max: 5, wantErr: "invalid number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, exclude, err := ParseSelectionIndices(tt.input, tt.max)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSelectionIndices() error = %v", err)
			}
			if exclude != tt.wantExclude {
				t.Errorf("exclude = %v, want %v", exclude, tt.wantExclude)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("indices = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("indices = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestAskForSelection(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		count  int
		want   []int
		wantOK bool
	}{
		{name: "enter selects all", input: "\n", count: 3, want: []int{0, 1, 2}, wantOK: true},
		{name: "all keyword", input: "a\n", count: 2, want: []int{0, 1}, wantOK: true},
		{name: "cancel", input: "n\n", count: 3, wantOK: false},
		{name: "subset", input: "1,3\n", count: 4, want: []int{0, 2}, wantOK: true},
		{name: "exclusion", input: "-2\n", count: 3, want: []int{0, 2}, wantOK: true},
		{name: "closed stdin cancels", input: "", count: 3, wantOK: false},
		{name: "retries after bad input", input: "99\n2\n", count: 3, want: []int{1}, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withStdin(t, tt.input)

			got, ok := AskForSelection("Pick:", tt.count)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("indices = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("indices = %v, want %v", got, tt.want)
				}
			}
		})
	}
}
