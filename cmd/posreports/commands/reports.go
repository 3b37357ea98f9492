package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"posreports/internal/jobs"
	"posreports/internal/model"
	"posreports/internal/reportcfg"
)

func ReportsListAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	reports, err := reportcfg.Active(ctx, app.Reports)
	if errors.Is(err, reportcfg.ErrEmpty) {
		fmt.Println("No reports configured.")
		return nil
	}
	if err != nil {
		return err
	}
	printReports(reports)
	return nil
}

func ReportsImportAction(ctx context.Context, cmd *cli.Command) error {
	reports, err := reportcfg.LoadSeedFile(cmd.String("file"))
	if err != nil {
		return err
	}
	if err := jobs.ValidateReports(reports); err != nil {
		return err
	}

	app, err := newAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	if err := app.Reports.Set(ctx, reports); err != nil {
		return fmt.Errorf("store reports: %w", err)
	}
	stored, err := app.Reports.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d reports.\n\n", len(stored))
	printReports(stored)
	return nil
}

func printReports(reports []model.Report) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Name", "Type", "URL param", "Columns")
	for _, r := range reports {
		table.Append(strconv.Itoa(r.RowNumber), r.Name, r.Type, r.URLParam, r.Columns)
	}
	table.Render()
}
