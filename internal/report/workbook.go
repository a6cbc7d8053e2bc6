// Package report renders job listings into spreadsheet workbooks for
// operator export.
package report

import (
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pipeord/pipeord/internal/jobs"
	"github.com/pipeord/pipeord/internal/pipeord"
)

const (
	sheetJobs     = "Jobs"
	sheetFailures = "Failed Tasks"
)

var jobsHeader = []string{
	"Job ID", "Name", "Pipeline", "Status", "Progress %",
	"Created At", "Last Updated", "Tasks", "Done", "Failed", "Location",
}

var failuresHeader = []string{
	"Job ID", "Task ID", "Failed Stage", "Attempts", "Refinements", "Error",
}

// BuildJobsWorkbook renders one row per job plus a second sheet breaking
// down the failed tasks. The caller owns the returned file.
func BuildJobsWorkbook(list []*jobs.Job) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), sheetJobs); err != nil {
		return nil, err
	}
	if err := writeRow(f, sheetJobs, 1, header(jobsHeader)); err != nil {
		return nil, err
	}

	failRow := 2
	haveFailures := false
	for i, job := range list {
		done, failed := 0, 0
		for _, t := range job.TasksStatus {
			switch t.State {
			case pipeord.TaskDone:
				done++
			case pipeord.TaskFailed:
				failed++
			}
		}
		row := []any{
			job.ID, job.Name, job.Pipeline, job.Status, job.Progress,
			stamp(job.CreatedAt), stamp(job.LastUpdated),
			len(job.TasksStatus), done, failed, job.Location,
		}
		if err := writeRow(f, sheetJobs, i+2, row); err != nil {
			return nil, err
		}

		for taskID, t := range job.TasksStatus {
			if t.State != pipeord.TaskFailed {
				continue
			}
			if !haveFailures {
				if _, err := f.NewSheet(sheetFailures); err != nil {
					return nil, err
				}
				if err := writeRow(f, sheetFailures, 1, header(failuresHeader)); err != nil {
					return nil, err
				}
				haveFailures = true
			}
			if err := writeRow(f, sheetFailures, failRow, []any{
				job.ID, taskID, stageName(t.FailedStage),
				t.Attempts, t.RefinementAttempts, errorText(t.Error),
			}); err != nil {
				return nil, err
			}
			failRow++
		}
	}

	last, err := excelize.CoordinatesToCellName(len(jobsHeader), len(list)+1)
	if err != nil {
		return nil, err
	}
	if err := f.AutoFilter(sheetJobs, "A1:"+last, nil); err != nil {
		return nil, err
	}
	return f, nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func header(cols []string) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = c
	}
	return out
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func stageName(s *pipeord.Stage) string {
	if s == nil {
		return ""
	}
	return string(*s)
}

func errorText(e *pipeord.TaskError) string {
	if e == nil {
		return ""
	}
	return e.Message
}
