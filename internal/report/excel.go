package report

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// SheetName 导出文件中唯一的工作表。
const SheetName = "PriceComparison"

var exportHeaders = []string{"نام محصول", "قیمت ما", "رقیب", "قیمت", "لینک", "درصد تطابق", "امتیاز اطمینان"}

// ExportComparisons 把价格对比写成 xlsx，每个竞争对手报价一行。
func ExportComparisons(comparisons []Comparison) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := setRow(f, 1, toAny(exportHeaders)); err != nil {
		return nil, err
	}

	row := 2
	for _, c := range comparisons {
		for _, cp := range c.CompetitorPrices {
			values := []any{c.ProductName, c.OwnPrice, cp.CompetitorName, cp.Price, cp.ProductURL, cp.MatchPercentage, cp.ConfidenceScore}
			if err := setRow(f, row, values); err != nil {
				return nil, err
			}
			row++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
		return fmt.Errorf("set row %d: %w", row, err)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
