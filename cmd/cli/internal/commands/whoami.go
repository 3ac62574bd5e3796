package commands

import (
	"context"
	"fmt"

	"github.com/advodesk/advodesk/internal/client"
)

// WhoamiCmd prints the identity behind the current session.
type WhoamiCmd struct{}

func (c *WhoamiCmd) Run(ctx context.Context, globals *Globals) error {
	clientCfg, sessions, err := setup(ctx, globals)
	if err != nil {
		return err
	}

	if !sessions.Authenticated() {
		return fmt.Errorf("not logged in, run: advodesk-cli login")
	}

	identity, err := client.New(clientCfg, sessions).Whoami(ctx)
	if err != nil {
		return err
	}

	fmt.Println(identity.Username)
	if identity.Name != "" {
		fmt.Println(identity.Name)
	}
	if identity.Email != "" {
		fmt.Println(identity.Email)
	}

	return nil
}
