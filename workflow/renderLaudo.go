package workflow

import (
	"bytes"
	"fmt"
	"time"

	"github.com/psicosafe/laudos_backend/models"
	"github.com/xuri/excelize/v2"
)

// RenderLaudo builds the report workbook from the batch aggregate. The
// generation timestamp is part of the content, so an explicit regeneration
// always produces a new digest.
func RenderLaudo(batch *models.Batch, report *models.Report, aggregate *models.BatchAggregate, generatedAt time.Time) ([]byte, error) {

	f := excelize.NewFile()
	sheetName := "Laudo"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, &models.RenderError{Err: err}
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	f.SetCellValue(sheetName, "A1", "Psychosocial Risk Report")
	f.SetCellValue(sheetName, "A2", "Batch")
	f.SetCellValue(sheetName, "B2", batch.ID)
	f.SetCellValue(sheetName, "A3", "Round")
	f.SetCellValue(sheetName, "B3", batch.RoundNumber)
	f.SetCellValue(sheetName, "A4", "Type")
	f.SetCellValue(sheetName, "B4", string(batch.Type))
	f.SetCellValue(sheetName, "A5", "GeneratedAt")
	f.SetCellValue(sheetName, "B5", generatedAt.UTC().Format(time.RFC3339Nano))
	f.SetCellValue(sheetName, "A6", "Evaluations")
	f.SetCellValue(sheetName, "B6", batch.TotalEvaluations)
	f.SetCellValue(sheetName, "A7", "Concluded")
	f.SetCellValue(sheetName, "B7", batch.ConcludedEvaluations)
	f.SetCellValue(sheetName, "A8", "Deactivated")
	f.SetCellValue(sheetName, "B8", batch.DeactivatedEvaluations)

	if report.EmergencyIssued != nil && *report.EmergencyIssued {
		f.SetCellValue(sheetName, "A9", "EMERGENCY ISSUANCE")
		f.SetCellValue(sheetName, "B9", batch.EmergencyJustification)
	}

	// statistics section
	headerRow := 11
	f.SetCellValue(sheetName, "A"+fmt.Sprint(headerRow), "Domain")
	f.SetCellValue(sheetName, "B"+fmt.Sprint(headerRow), "MeanScore")
	f.SetCellValue(sheetName, "C"+fmt.Sprint(headerRow), "RiskLevel")
	f.SetCellValue(sheetName, "D"+fmt.Sprint(headerRow), "Evaluations")

	for i, d := range aggregate.Domains {
		row := fmt.Sprint(headerRow + 1 + i)
		f.SetCellValue(sheetName, "A"+row, string(d.Domain))
		f.SetCellValue(sheetName, "B"+row, d.MeanScore.String())
		f.SetCellValue(sheetName, "C"+row, string(d.RiskLevel))
		f.SetCellValue(sheetName, "D"+row, d.EvaluationCount)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, &models.RenderError{Err: err}
	}
	return buf.Bytes(), nil
}
