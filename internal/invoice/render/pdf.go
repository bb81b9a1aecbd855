// Package render produces printable invoice documents.
package render

import (
	"fmt"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// Document holds preformatted invoice values.
type Document struct {
	Number        string
	Status        string
	IssueDate     string
	ServicePeriod string
	FamilyID      string
	Jurisdiction  string
	Description   string

	Subtotal string
	Taxes    []TaxLine
	Total    string
}

type TaxLine struct {
	Label  string
	Rate   string
	Amount string
}

type Renderer interface {
	RenderPDF(doc Document) ([]byte, error)
}

type PDFRenderer struct {
	issuer string
}

func NewRenderer() Renderer {
	return &PDFRenderer{issuer: "Nestbill"}
}

func (r *PDFRenderer) RenderPDF(doc Document) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(8, "Invoice", props.Text{Size: 20, Style: fontstyle.Bold, Align: align.Left}),
		text.NewCol(4, r.issuer, props.Text{Size: 12, Style: fontstyle.Bold, Align: align.Right}),
	)

	m.AddRow(22,
		col.New(6).Add(
			text.New("Invoice number: "+doc.Number, props.Text{Top: 0}),
			text.New("Date of issue: "+doc.IssueDate, props.Text{Top: 5}),
			text.New("Service period: "+doc.ServicePeriod, props.Text{Top: 10}),
			text.New("Status: "+doc.Status, props.Text{Top: 15}),
		),
		col.New(6).Add(
			text.New("Bill to", props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New("Family "+doc.FamilyID, props.Text{Top: 5, Align: align.Right}),
			text.New("Tax jurisdiction: "+doc.Jurisdiction, props.Text{Top: 10, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(8, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		text.NewCol(8, doc.Description, props.Text{Size: 9}),
		text.NewCol(4, doc.Subtotal, props.Text{Size: 9, Align: align.Right}),
	)

	m.AddRow(8,
		col.New(6),
		text.NewCol(3, "Subtotal", props.Text{Size: 9}),
		text.NewCol(3, doc.Subtotal, props.Text{Size: 9, Align: align.Right}),
	)
	for _, tax := range doc.Taxes {
		m.AddRow(8,
			col.New(6),
			text.NewCol(3, fmt.Sprintf("%s (%s)", tax.Label, tax.Rate), props.Text{Size: 9}),
			text.NewCol(3, tax.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}
	m.AddRow(10,
		col.New(6),
		text.NewCol(3, "Total", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, doc.Total, props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	out, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return out.GetBytes(), nil
}
