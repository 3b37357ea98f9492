package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"posreports/internal/jobs"
	"posreports/internal/model"
	"posreports/internal/reportcfg"
	"posreports/internal/workflow"
)

// RunAction runs one job in the foreground and prints per-account
// outcomes and the produced files.
func RunAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	reports, err := reportcfg.Active(ctx, app.Reports)
	if err != nil {
		return fmt.Errorf("load active reports: %w", err)
	}

	app.Start(ctx)
	rec, err := app.Orchestrator.Run(ctx, jobs.SubmitRequest{
		JobID: cmd.String("job-id"),
		Accounts: []model.Account{{
			ID:            cmd.String("account-id"),
			BaseURL:       cmd.String("url"),
			Username:      cmd.String("username"),
			Password:      cmd.String("password"),
			GroupSelector: cmd.String("group"),
		}},
		Reports: reports,
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nJob %s: %s\n%s\n\n", rec.ID, rec.Status, rec.Message)
	printSummaries(rec.Accounts)

	files, err := app.Workspaces.List(rec.ID)
	if err == nil && len(files) > 0 {
		fmt.Println()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("File", "Size", "Modified")
		for _, f := range files {
			table.Append(f.Path, strconv.FormatInt(f.Size, 10), f.Modified)
		}
		table.Render()
	}

	if rec.Status == jobs.StatusFailed {
		return cli.Exit(fmt.Sprintf("job failed: %s", rec.Error), 1)
	}
	return nil
}

func printSummaries(sums []workflow.Summary) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Account", "Success", "No data", "Failed", "Total", "Aborted", "Error")
	for _, s := range sums {
		table.Append(
			s.AccountID,
			strconv.Itoa(s.Success),
			strconv.Itoa(s.NoData),
			strconv.Itoa(s.Failed),
			strconv.Itoa(s.Total),
			strconv.FormatBool(s.Aborted),
			s.Error,
		)
	}
	table.Render()
}
