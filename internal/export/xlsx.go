package export

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/VecSil/feishu-card-bot/internal/storage"
)

// CardLister is the slice of the render log an export needs.
type CardLister interface {
	ListCards(f storage.CardFilter) ([]storage.Card, error)
}

const sheet = "Cards"

var headers = []string{
	"Created (UTC)",
	"Nickname",
	"Personality",
	"Payload Shape",
	"Attachment",
	"Delivery",
	"Image Key",
	"Record",
	"File",
	"Warnings",
}

// CardsXLSX renders the cards matching f as an XLSX workbook.
func CardsXLSX(src CardLister, f storage.CardFilter, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	cards, err := src.ListCards(f)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}

	x := excelize.NewFile()
	defer x.Close()
	if err := x.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := x.SetCellValue(sheet, cell, h); err != nil {
			return nil, fmt.Errorf("writing header: %w", err)
		}
	}

	for i, c := range cards {
		row := i + 2
		record := ""
		if c.EntryID != "" {
			record = strings.Join([]string{c.ContainerID, c.CollectionID, c.EntryID}, "/")
		}
		values := []any{
			c.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			c.Nickname,
			c.Personality,
			c.PayloadShape,
			c.AttachmentStatus,
			c.DeliveryStatus,
			c.ImageKey,
			record,
			c.FileName,
			strings.Join(c.Warnings, "; "),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := x.SetCellValue(sheet, cell, v); err != nil {
				return nil, fmt.Errorf("writing row %d: %w", row, err)
			}
		}
	}

	_ = x.SetColWidth(sheet, "A", "A", 20)
	_ = x.SetColWidth(sheet, "B", "B", 22)
	_ = x.SetColWidth(sheet, "C", "G", 14)
	_ = x.SetColWidth(sheet, "H", "I", 36)
	_ = x.SetColWidth(sheet, "J", "J", 60)
	_ = x.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	buf, err := x.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	logger.Info("cards exported", "rows", len(cards), "elapsed_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}
