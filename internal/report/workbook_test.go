package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeord/pipeord/internal/jobs"
	"github.com/pipeord/pipeord/internal/pipeord"
)

func TestBuildJobsWorkbook(t *testing.T) {
	stage := pipeord.StageInference
	list := []*jobs.Job{
		{
			ID: "j_good000001", Name: "good", Pipeline: "default",
			Status: "complete", Progress: 100,
			CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			TasksStatus: map[string]*jobs.TaskView{
				"t1": {State: pipeord.TaskDone},
			},
			Location: "complete",
		},
		{
			ID: "j_bad0000001", Name: "bad", Pipeline: "default",
			Status: "failed", Progress: 0,
			TasksStatus: map[string]*jobs.TaskView{
				"t1": {
					State:       pipeord.TaskFailed,
					FailedStage: &stage,
					Attempts:    2,
					Error:       &pipeord.TaskError{Message: "model unavailable"},
				},
			},
			Location: "current",
		},
	}

	f, err := BuildJobsWorkbook(list)
	require.NoError(t, err)
	defer f.Close()

	cell, err := f.GetCellValue(sheetJobs, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Job ID", cell)

	id, _ := f.GetCellValue(sheetJobs, "A2")
	assert.Equal(t, "j_good000001", id)
	created, _ := f.GetCellValue(sheetJobs, "F2")
	assert.Equal(t, "2026-03-01T10:00:00Z", created)
	doneCount, _ := f.GetCellValue(sheetJobs, "I2")
	assert.Equal(t, "1", doneCount)

	require.Contains(t, f.GetSheetList(), sheetFailures)
	failTask, _ := f.GetCellValue(sheetFailures, "B2")
	assert.Equal(t, "t1", failTask)
	failStage, _ := f.GetCellValue(sheetFailures, "C2")
	assert.Equal(t, string(pipeord.StageInference), failStage)
	failMsg, _ := f.GetCellValue(sheetFailures, "F2")
	assert.Equal(t, "model unavailable", failMsg)
}

func TestBuildJobsWorkbookEmpty(t *testing.T) {
	f, err := BuildJobsWorkbook(nil)
	require.NoError(t, err)
	defer f.Close()

	assert.NotContains(t, f.GetSheetList(), sheetFailures)
	header, _ := f.GetCellValue(sheetJobs, "K1")
	assert.Equal(t, "Location", header)
}
