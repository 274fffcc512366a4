package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/manifoldco/promptui"
	"golang.org/x/term"

	"github.com/atsa-dev/atsa/internal/credential"
)

// ErrAborted is returned when the user leaves an interactive prompt
var ErrAborted = errors.New("aborted")

// Prompter asks the user for the credential form fields
type Prompter interface {
	SelectMode(current credential.Mode) (credential.Mode, error)
	Email(defaultEmail string) (string, error)
	Password(label string) (string, error)
}

// terminalPrompter prompts on the controlling terminal
type terminalPrompter struct {
	out io.Writer
}

type modeOption struct {
	Label string
	Mode  credential.Mode
}

func (p terminalPrompter) SelectMode(current credential.Mode) (credential.Mode, error) {
	options := []modeOption{
		{Label: credential.SubmitLabel(credential.Form{Mode: credential.ModeSignIn}), Mode: credential.ModeSignIn},
		{Label: credential.SubmitLabel(credential.Form{Mode: credential.ModeSignUp}), Mode: credential.ModeSignUp},
	}

	cursor := 0
	for i, opt := range options {
		if opt.Mode == current {
			cursor = i
		}
	}

	templates := &promptui.SelectTemplates{
		Label:    "{{ . }}",
		Active:   "> {{ .Label | cyan }}",
		Inactive: "  {{ .Label }}",
		Selected: "{{ .Label | green }}",
	}

	prompt := promptui.Select{
		Label:     "What do you want to do?",
		Items:     options,
		Templates: templates,
		CursorPos: cursor,
	}

	index, _, err := prompt.Run()
	if err != nil {
		return current, promptError(err)
	}
	return options[index].Mode, nil
}

func (p terminalPrompter) Email(defaultEmail string) (string, error) {
	prompt := promptui.Prompt{
		Label:     "Email",
		Default:   defaultEmail,
		AllowEdit: true,
	}

	email, err := prompt.Run()
	if err != nil {
		return "", promptError(err)
	}
	return email, nil
}

func (p terminalPrompter) Password(label string) (string, error) {
	prompt := promptui.Prompt{
		Label: label,
		Mask:  '*',
	}

	password, err := prompt.Run()
	if err != nil {
		return "", promptError(err)
	}
	return password, nil
}

func promptError(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) || errors.Is(err, promptui.ErrAbort) {
		return ErrAborted
	}
	return fmt.Errorf("prompt failed: %w", err)
}

// resolveCredentials fills email and password from the environment, falls back
// to lastEmail, then asks for a missing password when stdin is a terminal
func resolveCredentials(out io.Writer, email, password, lastEmail string) (string, string, error) {
	// Environment variables are useful for CI/CD
	if email == "" {
		email = os.Getenv("ATSA_EMAIL")
	}
	if email == "" {
		email = lastEmail
	}
	if password == "" {
		password = os.Getenv("ATSA_PASSWORD")
	}

	if email == "" {
		return "", "", fmt.Errorf("email is required (use --email flag or ATSA_EMAIL env var)")
	}

	if password == "" {
		if !term.IsTerminal(int(syscall.Stdin)) {
			return "", "", fmt.Errorf("password is required in non-interactive mode (use --password flag or ATSA_PASSWORD env var)")
		}

		fmt.Fprint(out, "Password: ")
		bytePassword, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("failed to read password: %w", err)
		}
		password = string(bytePassword)
	}

	return email, password, nil
}
