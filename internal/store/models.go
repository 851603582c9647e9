package store

import (
	"encoding/json"
	"time"
)

// ClaimURIPrefix marks subjects/objects that refer to claims. Patch
// application registers a bare claim row for anything carrying it.
const ClaimURIPrefix = "urn:pn:claim:"

type DID struct {
	ID     string `json:"id"`
	Pubkey string `json:"pubkey,omitempty"`
}

type Claim struct {
	ID    string `json:"id"`
	Text  string `json:"text,omitempty"`
	Topic string `json:"topic,omitempty"`
}

type Evidence struct {
	URL     string `json:"url,omitempty"`
	Hash    string `json:"hash,omitempty"`
	License string `json:"license,omitempty"`
}

type Repro struct {
	CodeHash string `json:"code_hash,omitempty"`
	DataHash string `json:"data_hash,omitempty"`
	Runner   string `json:"runner,omitempty"`
}

type GraphPatch struct {
	Op     string   `json:"op"`
	Triple []string `json:"triple"`
}

const (
	PaperStatusUnderReview = "under_review"
	PaperStatusIntegrated  = "integrated"
)

type Paper struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Abstract   string          `json:"abstract,omitempty"`
	Authors    []DID           `json:"authors,omitempty"`
	Claims     []Claim         `json:"claims"`
	Evidence   []Evidence      `json:"evidence,omitempty"`
	GraphPatch []GraphPatch    `json:"graphPatch,omitempty"`
	Repro      *Repro          `json:"repro,omitempty"`
	Provenance json.RawMessage `json:"provenance,omitempty"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Review struct {
	ID         int64     `json:"id"`
	PaperID    string    `json:"paper_id"`
	ReviewerID string    `json:"reviewer_id"`
	Pubkey     string    `json:"pubkey,omitempty"`
	Vote       string    `json:"vote"`
	Weight     float64   `json:"weight"`
	Topic      string    `json:"topic,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Edge is one subject-predicate-object row. Edges are a log, not a set:
// re-integrating identical triples appends new rows.
type Edge struct {
	ID   int64  `json:"id"`
	Subj string `json:"subj"`
	Pred string `json:"pred"`
	Obj  string `json:"obj"`
}

type BroadcastEvent struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type GraphStats struct {
	Claims int64 `json:"claims"`
	Edges  int64 `json:"edges"`
}
