// Package prompt はオペレーターへの確認とパスワード入力を提供する。
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter は確認とパスワード入力のインターフェース。
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
	Password(ctx context.Context, label string) (string, error)
}

// Terminal は端末から入力を読み取るPrompter。
// 入力が端末でない場合、パスワードは1行として読み取る。
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
}

// NewTerminal は新しいTerminalを生成する。
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	fd := -1
	if f, ok := in.(*os.File); ok {
		fd = int(f.Fd())
	}
	return &Terminal{in: bufio.NewReader(in), out: out, fd: fd}
}

// Confirm は y/yes の場合のみ true を返す。
func (t *Terminal) Confirm(ctx context.Context, question string) (bool, error) {
	fmt.Fprintf(t.out, "%s [y/N]: ", question)
	line, err := t.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Password はエコーせずにパスワードを読み取る。
func (t *Terminal) Password(ctx context.Context, label string) (string, error) {
	fmt.Fprintf(t.out, "%s: ", label)
	if t.fd >= 0 && term.IsTerminal(t.fd) {
		b, err := term.ReadPassword(t.fd)
		fmt.Fprintln(t.out)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	line, err := t.readRaw()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *Terminal) readLine() (string, error) {
	line, err := t.readRaw()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readRaw は改行を含めた1行を返す。
func (t *Terminal) readRaw() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading input: %w", err)
	}
	if err == io.EOF && line == "" {
		return "", io.ErrUnexpectedEOF
	}
	return line, nil
}

// Static は固定の応答を返すPrompter。非対話実行で使う。
type Static struct {
	Answer bool
	Secret string
}

// Confirm はAnswerを返す。
func (s Static) Confirm(ctx context.Context, question string) (bool, error) {
	return s.Answer, nil
}

// Password はSecretを返す。
func (s Static) Password(ctx context.Context, label string) (string, error) {
	return s.Secret, nil
}

// WithAccountPassword はアカウントパスワードが設定済みならそれを返し、無ければnextに尋ねるPrompterを返す。
// デバイス削除の再認証専用。SSSSパスフレーズの入力には使わない。
func WithAccountPassword(next Prompter, password string) Prompter {
	if password == "" {
		return next
	}
	return &accountPassword{next: next, password: password}
}

type accountPassword struct {
	next     Prompter
	password string
}

func (p *accountPassword) Confirm(ctx context.Context, question string) (bool, error) {
	return p.next.Confirm(ctx, question)
}

func (p *accountPassword) Password(ctx context.Context, label string) (string, error) {
	return p.password, nil
}
