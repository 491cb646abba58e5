package model

// Correction records one change the validation gate made to an enrichment
// result before scoring.
type Correction struct {
	Entity EntityType `json:"entity"`
	Field  string     `json:"field"`
	From   *string    `json:"from"`
	To     *string    `json:"to"`
	Reason string     `json:"reason"`
}

// ValidationResult is the gate's verdict on one enrichment result.
type ValidationResult struct {
	Confidence  float64      `json:"confidence"`
	Corrections []Correction `json:"corrections,omitempty"`
	Rejected    bool         `json:"rejected"`
	Reasons     []string     `json:"reasons,omitempty"`
	Threshold   float64      `json:"threshold"`
	GeoSource   string       `json:"geo_source,omitempty"`
	Enrichment  *Enrichment  `json:"enrichment"`
}
