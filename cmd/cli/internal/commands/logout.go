package commands

import (
	"context"
	"fmt"
)

// LogoutCmd ends the current session and clears persisted state.
type LogoutCmd struct{}

func (c *LogoutCmd) Run(ctx context.Context, globals *Globals) error {
	_, sessions, err := setup(ctx, globals)
	if err != nil {
		return err
	}

	sessions.Logout()

	fmt.Println("Logged out.")

	return nil
}
