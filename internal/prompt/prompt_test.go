package prompt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestTerminal_Confirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"maybe\n", false},
		{"y", true},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		term := NewTerminal(strings.NewReader(tt.input), &out)

		got, err := term.Confirm(context.Background(), "Delete device?")
		if err != nil {
			t.Fatalf("Confirm(%q) failed: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("Confirm(%q): want %v, got %v", tt.input, tt.want, got)
		}
		if !strings.Contains(out.String(), "Delete device? [y/N]") {
			t.Errorf("question not printed: %q", out.String())
		}
	}
}

func TestTerminal_ConfirmEOF(t *testing.T) {
	term := NewTerminal(strings.NewReader(""), io.Discard)

	_, err := term.Confirm(context.Background(), "Reuse?")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("want ErrUnexpectedEOF, got %v", err)
	}
}

func TestTerminal_PasswordFromPipe(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("hunter2\n"), &out)

	got, err := term.Password(context.Background(), "Account password")
	if err != nil {
		t.Fatalf("Password failed: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("want hunter2, got %q", got)
	}
}

func TestTerminal_PasswordKeepsSpaces(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"  correct horse  \n", "  correct horse  "},
		{"tab\t\r\n", "tab\t"},
		{" last line", " last line"},
	}
	for _, tt := range tests {
		term := NewTerminal(strings.NewReader(tt.input), io.Discard)

		got, err := term.Password(context.Background(), "Secret storage passphrase")
		if err != nil {
			t.Fatalf("Password(%q) failed: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("Password(%q): want %q, got %q", tt.input, tt.want, got)
		}
	}
}

func TestWithAccountPassword(t *testing.T) {
	ctx := context.Background()
	base := Static{Answer: true, Secret: "from-prompt"}

	preset := WithAccountPassword(base, "from-config")
	if p, _ := preset.Password(ctx, "x"); p != "from-config" {
		t.Errorf("want configured password, got %q", p)
	}
	if ok, _ := preset.Confirm(ctx, "x"); !ok {
		t.Error("Confirm must be delegated")
	}

	if p, _ := WithAccountPassword(base, "").Password(ctx, "x"); p != "from-prompt" {
		t.Errorf("want prompted password, got %q", p)
	}
}
