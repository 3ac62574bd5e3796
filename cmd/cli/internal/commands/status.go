package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/advodesk/advodesk/internal/session"
)

// StatusCmd reports the state of the local session without touching the
// backend beyond the bootstrap validation.
type StatusCmd struct{}

func (c *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	clientCfg, sessions, err := setup(ctx, globals)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "server\t%s\n", clientCfg.ServerURL)

	if !sessions.Authenticated() {
		fmt.Fprintf(w, "session\tnone\n")
		return nil
	}

	fmt.Fprintf(w, "session\tactive\n")
	fmt.Fprintf(w, "username\t%s\n", sessions.Username())

	if exp, ok := sessions.TokenExpiry(); ok {
		fmt.Fprintf(w, "token expires\t%s (%s)\n", exp.Format(time.RFC3339), time.Until(exp).Round(time.Second))
	} else {
		fmt.Fprintf(w, "token expires\tunknown\n")
	}

	if last := sessions.LastActive(); !last.IsZero() {
		idleBudget := session.DefaultIdleTimeout - time.Since(last)
		fmt.Fprintf(w, "last activity\t%s\n", last.Format(time.RFC3339))
		fmt.Fprintf(w, "idle budget\t%s\n", idleBudget.Round(time.Second))
	}

	return nil
}
