// Package export renders the activity ledger as a spreadsheet.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

const sheet = "Activity"

var headers = []string{"When (UTC)", "Job", "Kind", "Action", "Summary", "Actor", "Role", "Details"}

// LedgerXLSX writes entries, in the order given, to a single-sheet workbook.
func LedgerXLSX(entries []models.ActivityEntry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		_ = f.SetRowStyle(sheet, 1, 1, bold)
	}

	for i, e := range entries {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, e.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
		write(2, e.JobID)
		write(3, string(e.JobKind))
		write(4, e.Action)
		write(5, e.Summary)
		write(6, actorLabel(e.Actor))
		write(7, string(e.Actor.Role))
		write(8, details(e.Metadata))
	}

	_ = f.SetColWidth(sheet, "A", "A", 20)
	_ = f.SetColWidth(sheet, "B", "B", 38)
	_ = f.SetColWidth(sheet, "C", "D", 22)
	_ = f.SetColWidth(sheet, "E", "E", 40)
	_ = f.SetColWidth(sheet, "F", "G", 24)
	_ = f.SetColWidth(sheet, "H", "H", 60)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func actorLabel(a models.Actor) string {
	switch {
	case a.Name != "" && a.Email != "":
		return a.Name + " <" + a.Email + ">"
	case a.Name != "":
		return a.Name
	case a.Email != "":
		return a.Email
	}
	return a.ID
}

// details flattens metadata into "key=value" pairs in key order.
func details(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := meta[k]
		var s string
		switch tv := v.(type) {
		case string:
			s = tv
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				s = fmt.Sprint(tv)
			} else {
				s = string(b)
			}
		}
		parts = append(parts, k+"="+s)
	}
	return strings.Join(parts, "; ")
}
