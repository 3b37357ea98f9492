package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"posreports/internal/health"
)

func HealthAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	rep := health.Check(ctx, app.Health)
	env := rep.Environment

	fmt.Printf("\nStatus: %s (version %s)\n\n", rep.Status, rep.Version)
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Check", "Value")
	table.Append("display", env.Display)
	table.Append("logs directory", env.LogsDirectory)
	table.Append("logs writable", strconv.FormatBool(env.LogsWritable))
	table.Append("downloads directory", env.DownloadsDirectory)
	table.Append("downloads writable", strconv.FormatBool(env.DownloadsWritable))
	table.Append("browser", env.Browser)

	names := make([]string, 0, len(rep.Services))
	for name := range rep.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		table.Append(name, rep.Services[name])
	}
	table.Render()

	for _, issue := range rep.EnvironmentIssues {
		fmt.Println("-", issue)
	}
	if rep.Status == health.StatusUnhealthy {
		return cli.Exit("unhealthy", 1)
	}
	return nil
}
