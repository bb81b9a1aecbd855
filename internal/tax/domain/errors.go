package domain

import "errors"

var (
	ErrUnsupportedJurisdiction = errors.New("unsupported_jurisdiction")
	ErrInvalidSubtotal         = errors.New("invalid_subtotal")
	ErrInvalidTaxRate          = errors.New("invalid_tax_rate")
)
