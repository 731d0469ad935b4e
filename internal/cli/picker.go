package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spawnhq/spawn/internal/cloud"
	"golang.org/x/term"
)

// Picker selects one value from a list. Chrome goes to stderr; the chosen
// value is the only thing that ever touches stdout (the `spawn pick`
// contract). When stdin is not a terminal the default wins immediately.
type Picker struct {
	In  io.Reader
	Out io.Writer // value only
	Err io.Writer // chrome

	// forceNonTTY is set by tests.
	forceNonTTY bool
}

// NewPicker builds a picker on the process's standard streams.
func NewPicker() *Picker {
	return &Picker{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

func (p *Picker) isTTY() bool {
	if p.forceNonTTY {
		return false
	}
	f, ok := p.In.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Pick implements cloud.Picker.
func (p *Picker) Pick(ctx context.Context, prompt string, options []cloud.PickOption, defaultValue string) (string, error) {
	if len(options) == 0 {
		return defaultValue, nil
	}
	if !p.isTTY() {
		return defaultValue, nil
	}

	fmt.Fprintf(p.Err, "\n%s:\n", prompt)
	defaultIdx := 1
	for i, opt := range options {
		marker := " "
		if opt.Value == defaultValue {
			marker = "*"
			defaultIdx = i + 1
		}
		line := fmt.Sprintf("%s %2d) %s", marker, i+1, opt.Label)
		if opt.Hint != "" {
			line += "  — " + opt.Hint
		}
		fmt.Fprintln(p.Err, line)
	}
	fmt.Fprintf(p.Err, "Choice [%d]: ", defaultIdx)

	line, err := p.readLine(ctx)
	if err != nil {
		return defaultValue, nil
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultValue, nil
	}

	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(options) {
		return options[n-1].Value, nil
	}
	// Accept a literal value too.
	for _, opt := range options {
		if opt.Value == line {
			return opt.Value, nil
		}
	}
	fmt.Fprintf(p.Err, "unrecognized choice %q, using default\n", line)
	return defaultValue, nil
}

func (p *Picker) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		r := bufio.NewReader(p.In)
		line, err := r.ReadString('\n')
		ch <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil && res.line == "" {
			return "", res.err
		}
		return res.line, nil
	}
}

// PromptSecret implements cloud.Prompter: read a token without echo.
func (p *Picker) PromptSecret(ctx context.Context, label string) (string, error) {
	if !p.isTTY() {
		return "", fmt.Errorf("cannot prompt for %s: stdin is not a terminal", label)
	}

	fmt.Fprintf(p.Err, "%s: ", label)
	f := p.In.(*os.File)
	secret, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(p.Err)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

// Confirm asks a yes/no question on stderr, defaulting to no.
func (p *Picker) Confirm(question string) bool {
	if !p.isTTY() {
		return false
	}
	fmt.Fprintf(p.Err, "%s [y/N]: ", question)
	line, err := p.readLine(context.Background())
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// PickFromStdin implements the `spawn pick` subcommand: tab-separated
// value\tlabel\thint lines arrive on stdin, the chosen value leaves on
// stdout. Without a terminal the default is chosen silently.
func PickFromStdin(ctx context.Context, in io.Reader, out, errW io.Writer, prompt, defaultValue string) error {
	var options []cloud.PickOption
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		opt := cloud.PickOption{Value: parts[0]}
		if len(parts) > 1 {
			opt.Label = parts[1]
		} else {
			opt.Label = parts[0]
		}
		if len(parts) > 2 {
			opt.Hint = parts[2]
		}
		options = append(options, opt)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read options: %w", err)
	}
	if len(options) == 0 && defaultValue == "" {
		return fmt.Errorf("no options on stdin and no default")
	}

	// Options arrived on stdin, so stdin cannot double as the selection
	// terminal; open the controlling TTY when there is one.
	choice := defaultValue
	if tty, err := os.Open("/dev/tty"); err == nil {
		defer tty.Close()
		p := &Picker{In: tty, Out: out, Err: errW}
		choice, err = p.Pick(ctx, prompt, options, defaultValue)
		if err != nil {
			return err
		}
	}
	if choice == "" && len(options) > 0 {
		choice = options[0].Value
	}

	fmt.Fprintln(out, choice)
	return nil
}
