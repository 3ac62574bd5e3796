package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// LoginCmd authenticates against the backend and persists the session.
type LoginCmd struct {
	Username string `help:"Username" short:"u"`
	Password string `help:"Password (prompted when omitted)" env:"ADVODESK_PASSWORD"`
}

func (c *LoginCmd) Run(ctx context.Context, globals *Globals) error {
	_, sessions, err := setup(ctx, globals)
	if err != nil {
		return err
	}

	username := c.Username
	if username == "" {
		fmt.Print("Username: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if username == "" {
		return fmt.Errorf("username is required")
	}

	password := c.Password
	if password == "" {
		fmt.Print("Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}

	if err := sessions.Login(ctx, username, password); err != nil {
		return err
	}

	fmt.Printf("Logged in as %s\n", username)

	return nil
}
