package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cargo is the office a candidate runs for.
type Cargo string

const (
	CargoPresidente            Cargo = "presidente"
	CargoPrimerVicepresidente  Cargo = "primer_vicepresidente"
	CargoSegundoVicepresidente Cargo = "segundo_vicepresidente"
	CargoSenador               Cargo = "senador"
	CargoDiputado              Cargo = "diputado"
	CargoParlamentoAndino      Cargo = "parlamento_andino"
)

// Cargos lists every accepted office in a stable order.
var Cargos = []Cargo{
	CargoPresidente,
	CargoPrimerVicepresidente,
	CargoSegundoVicepresidente,
	CargoSenador,
	CargoDiputado,
	CargoParlamentoAndino,
}

// IsValid reports whether the cargo is a known office.
func (c Cargo) IsValid() bool {
	for _, known := range Cargos {
		if c == known {
			return true
		}
	}
	return false
}

// RequiresDistrict reports whether candidates for this office are elected per district.
func (c Cargo) RequiresDistrict() bool {
	return c == CargoDiputado
}

// CandidateRecord is the upstream shape of a candidate in a bulk list.
type CandidateRecord struct {
	FullName     string `json:"full_name" validate:"required,min=3,max=200"`
	Cargo        string `json:"cargo" validate:"required,cargo"`
	PartyName    string `json:"party_name" validate:"omitempty,max=200"`
	DistrictName string `json:"district_name" validate:"omitempty,max=120"`
	DocumentID   string `json:"document_id,omitempty" validate:"omitempty,numeric,len=8"`
	ListPosition int    `json:"list_position,omitempty" validate:"gte=0,lte=200"`
	PhotoURL     string `json:"photo_url,omitempty" validate:"omitempty,url"`
	SourceURL    string `json:"source_url,omitempty" validate:"omitempty,url"`
}

// Candidate is a reconciled candidate row.
type Candidate struct {
	ID           string    `json:"id"`
	FullName     string    `json:"full_name"`
	NameKey      string    `json:"name_key"`
	Cargo        Cargo     `json:"cargo"`
	PartyID      *string   `json:"party_id,omitempty"`
	DistrictID   *string   `json:"district_id,omitempty"`
	DocumentID   string    `json:"document_id,omitempty"`
	ListPosition int       `json:"list_position,omitempty"`
	PhotoURL     string    `json:"photo_url,omitempty"`
	Source       string    `json:"source"`
	NeedsReview  bool      `json:"needs_review"`
	CreatedAt    time.Time `json:"created_at"`
}

// CandidateScore is the derived scoring row seeded for each candidate.
type CandidateScore struct {
	CandidateID string          `json:"candidate_id"`
	Cargo       Cargo           `json:"cargo"`
	Score       decimal.Decimal `json:"score"`
	Baseline    bool            `json:"baseline"`
	CreatedAt   time.Time       `json:"created_at"`
}

// InsertStatus is the per-record outcome of a bulk commit.
type InsertStatus string

const (
	InsertStatusInserted InsertStatus = "inserted"
	InsertStatusSkipped  InsertStatus = "skipped"
	InsertStatusFailed   InsertStatus = "failed"
)

// InsertOutcome reports what happened to one candidate of a batch.
type InsertOutcome struct {
	NameKey string       `json:"name_key"`
	Cargo   Cargo        `json:"cargo"`
	ID      string       `json:"id,omitempty"`
	Status  InsertStatus `json:"status"`
	Err     error        `json:"-"`
}
