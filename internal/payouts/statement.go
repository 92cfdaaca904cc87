package payouts

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

const statementSheet = "Payout"

var statementHeaders = []string{"Donation", "Base amount", "Tax on fee", "Net paid", "Currency", "Status", "Paid at"}

// Statement renders the donation payouts of a payout as a spreadsheet. The
// last row holds the payout total.
func (s *Service) Statement(ctx context.Context, id uuid.UUID) (*excelize.File, error) {
	payout, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	links, err := s.Donations(ctx, id)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	index, err := f.NewSheet(statementSheet)
	if err != nil {
		return nil, fmt.Errorf("creating the statement sheet failed: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	rows := [][]any{}
	for _, l := range links {
		paidAt := ""
		if l.PaidAt != nil {
			paidAt = l.PaidAt.Format("2006-01-02")
		}

		rows = append(rows, []any{
			l.DonationID.String(),
			l.BaseAmount.StringFixed(2),
			l.TaxAmount.StringFixed(2),
			l.TotalAmount.StringFixed(2),
			l.Currency,
			string(l.Status),
			paidAt,
		})
	}
	rows = append(rows, []any{"Total", "", "", payout.Amount.StringFixed(2), payout.Currency, string(payout.Status), ""})

	if err := setRow(f, 1, toAny(statementHeaders)); err != nil {
		return nil, err
	}

	for i, row := range rows {
		if err := setRow(f, i+2, row); err != nil {
			return nil, err
		}
	}

	_ = f.SetColWidth(statementSheet, "A", "A", 38)
	_ = f.SetColWidth(statementSheet, "B", "F", 14)
	_ = f.SetColWidth(statementSheet, "G", "G", 12)

	return f, nil
}

func setRow(f *excelize.File, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}

	return f.SetSheetRow(statementSheet, cell, &values)
}

func toAny(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}

	return out
}
