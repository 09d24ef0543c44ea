package output

import "testing"

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain text", in: "hello world", want: "hello world"},
		{name: "color codes", in: "\x1b[31mred\x1b[0m plain", want: "red plain"},
		{name: "bold traceback", in: "\x1b[0;31mZeroDivisionError\x1b[0m: division by zero", want: "ZeroDivisionError: division by zero"},
		{name: "cursor movement", in: "\x1b[2Kprogress 50%\x1b[1A", want: "progress 50%"},
		{name: "osc title bel", in: "\x1b]0;notebook\x07output", want: "output"},
		{name: "osc title st", in: "\x1b]0;notebook\x1b\\output", want: "output"},
		{name: "private mode", in: "\x1b[?25lhidden cursor\x1b[?25h", want: "hidden cursor"},
		{name: "two byte escape", in: "\x1bMreverse", want: "reverse"},
		{name: "empty", in: "", want: ""},
		{name: "multiline", in: "line1\x1b[32m\nline2\x1b[0m\n", want: "line1\nline2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripANSI(tt.in); got != tt.want {
				t.Fatalf("StripANSI(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
