package command

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/Mathew-Estafanous/distcheck/log"
	"github.com/Mathew-Estafanous/distcheck/probe"
	"github.com/Mathew-Estafanous/distcheck/store"
)

func cmdHistory(cliContext *cli.Context) error {
	if err := log.SetLevel(cliContext.String("log-level")); err != nil {
		return err
	}

	db, err := store.NewBoltStore(cliContext.String("report-db"))
	if err != nil {
		return err
	}
	defer db.Close()

	return history(db, cliContext.String("run-id"), cliContext.App.Writer)
}

func history(db *store.BoltStore, runID string, out io.Writer) error {
	if runID == "last" {
		last, err := db.LastRunID()
		if err != nil {
			return err
		}
		if last == "" {
			fmt.Fprintln(out, "no runs stored")
			return nil
		}
		runID = last
	}

	if runID != "" {
		reports, err := db.Reports(runID)
		if err != nil {
			return err
		}
		renderProbes(out, reports)
		return nil
	}

	reports, err := db.AllReports()
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintln(out, "no runs stored")
		return nil
	}
	renderRuns(out, reports, time.Now())
	return nil
}

func renderRuns(out io.Writer, reports []*probe.Report, now time.Time) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Run", "Rank", "World Size", "Host", "Started", "Took", "Result"})
	for _, r := range reports {
		result := "passed"
		if failed, ok := r.Failed(); ok {
			result = "failed at " + failed.Name
		} else if !r.Passed {
			result = "failed"
		}
		table.Append([]string{
			r.RunID,
			strconv.Itoa(r.Rank),
			strconv.Itoa(r.WorldSize),
			r.Hostname,
			humanize.RelTime(r.Started, now, "ago", "from now"),
			r.Duration.Round(time.Millisecond).String(),
			result,
		})
	}
	table.Render()
}

func renderProbes(out io.Writer, reports []*probe.Report) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Rank", "Probe", "Took", "Result"})
	table.SetAutoMergeCells(true)
	table.SetAutoWrapText(false)
	for _, r := range reports {
		for _, res := range r.Results {
			result := "ok " + res.Value
			if !res.Passed {
				result = "FAILED: " + res.Error
			}
			table.Append([]string{
				strconv.Itoa(r.Rank),
				res.Name,
				res.Duration.Round(time.Microsecond).String(),
				result,
			})
		}
	}
	table.Render()
}
