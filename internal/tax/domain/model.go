package domain

// PPM is the denominator for rates held as parts-per-million.
const PPM int64 = 1_000_000

// Rate is a single tax component as configured for a jurisdiction.
type Rate struct {
	Label   string `json:"label"`
	RatePPM int64  `json:"rate_ppm"`
}

// Component is a computed tax line.
type Component struct {
	Label   string `json:"label"`
	RatePPM int64  `json:"rate_ppm"`
	Amount  int64  `json:"amount"`
}

// Breakdown is the result of a calculation. Components keep configuration
// order and always sum to Total - Subtotal.
type Breakdown struct {
	Jurisdiction string      `json:"jurisdiction"`
	Subtotal     int64       `json:"subtotal"`
	Components   []Component `json:"components"`
	TaxTotal     int64       `json:"tax_total"`
	Total        int64       `json:"total"`
}

type Calculator interface {
	Calculate(jurisdiction string, subtotal int64) (Breakdown, error)
	Supports(jurisdiction string) bool
}
