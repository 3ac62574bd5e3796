package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/advodesk/advodesk/internal/logger"
	"github.com/advodesk/advodesk/internal/lookup"
)

// LookupCmd resolves postal codes and the bank catalog from the public
// lookup services. No session required.
type LookupCmd struct {
	Cep   CepCmd   `cmd:"" help:"Resolve a Brazilian postal code (CEP)"`
	Banks BanksCmd `cmd:"" help:"List the national bank catalog"`

	BaseURL string `help:"Override the lookup service base URL" env:"ADVODESK_LOOKUP_URL"`
}

// CepCmd resolves a single postal code.
type CepCmd struct {
	Code string `arg:"" help:"Postal code, with or without the dash"`
}

func (c *CepCmd) Run(ctx context.Context, globals *Globals, parent *LookupCmd) error {
	logger.Setup(globals.Debug)

	addr, err := lookup.New(parent.BaseURL).CEP(ctx, c.Code)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "cep\t%s\n", addr.CEP)
	fmt.Fprintf(w, "street\t%s\n", addr.Street)
	fmt.Fprintf(w, "district\t%s\n", addr.Neighborhood)
	fmt.Fprintf(w, "city\t%s\n", addr.City)
	fmt.Fprintf(w, "state\t%s\n", addr.State)

	return nil
}

// BanksCmd lists the bank catalog, optionally a single bank by code.
type BanksCmd struct {
	Code string `help:"Clearing code of a single bank"`
}

func (c *BanksCmd) Run(ctx context.Context, globals *Globals, parent *LookupCmd) error {
	logger.Setup(globals.Debug)

	client := lookup.New(parent.BaseURL)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if c.Code != "" {
		bank, err := client.Bank(ctx, c.Code)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%.0f\t%s\t%s\n", bank.Code, bank.Name, bank.ISPB)
		return nil
	}

	banks, err := client.Banks(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "CODE\tNAME\tISPB")
	for _, bank := range banks {
		fmt.Fprintf(w, "%.0f\t%s\t%s\n", bank.Code, bank.Name, bank.ISPB)
	}

	return nil
}
