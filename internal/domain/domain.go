// Package domain defines the entities of the Dispute Orchestration Core.
// Every entity carries a tenant id; cross-tenant reads are forbidden at the
// store layer. Timestamps are UTC; monetary amounts are integer minor units.
package domain

import (
	"time"
)

// ============================================================================
// TENANT
// ============================================================================

// Tenant owns all per-org data.
type Tenant struct {
	ID              string                 `json:"tenant_id"`
	Name            string                 `json:"name"`
	Status          string                 `json:"status"` // ACTIVE, TRIAL, SUSPENDED
	MaxClients      int                    `json:"max_clients"`
	MaxUsers        int                    `json:"max_users"`
	LetterCostMinor int64                  `json:"letter_cost_minor"` // 0 = use global default
	Branding        map[string]interface{} `json:"branding"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Active reports whether the tenant may run work.
func (t *Tenant) Active() bool {
	return t.Status == "ACTIVE" || t.Status == "TRIAL"
}

// ============================================================================
// CLIENT
// ============================================================================

// ClientStage is the ordered client lifecycle.
type ClientStage string

const (
	StageLead         ClientStage = "lead"
	StageAnalysisPaid ClientStage = "analysis_paid"
	StageOnboarding   ClientStage = "onboarding"
	StageActive       ClientStage = "active"
	StageDormant      ClientStage = "dormant"
	StageClosed       ClientStage = "closed"
)

var stageOrder = map[ClientStage]int{
	StageLead:         0,
	StageAnalysisPaid: 1,
	StageOnboarding:   2,
	StageActive:       3,
	StageDormant:      4,
	StageClosed:       4,
}

// CanAdvanceTo enforces monotone stage progression unless overridden by staff.
func (s ClientStage) CanAdvanceTo(next ClientStage) bool {
	a, ok1 := stageOrder[s]
	b, ok2 := stageOrder[next]
	return ok1 && ok2 && b >= a
}

// Client is the consumer being represented. PII and bureau credentials are
// stored sealed (AEAD) and decrypted only inside adapters.
type Client struct {
	ID                    string      `json:"client_id"`
	TenantID              string      `json:"tenant_id"`
	Stage                 ClientStage `json:"stage"`
	State                 DisputeState `json:"state"`
	Round                 int         `json:"round"`
	Version               int64       `json:"version"` // optimistic concurrency
	SealedPII             []byte      `json:"-"`
	SealedBureauCreds     []byte      `json:"-"`
	MonitoringProvider    string      `json:"monitoring_provider"`
	CardTokenRef          string      `json:"-"`
	CROASignedAt          *time.Time  `json:"croa_signed_at,omitempty"`
	CancellationPeriodEnd *time.Time  `json:"cancellation_period_end,omitempty"`
	// ManualHold suppresses automatic transitions after a staff override
	// until staff clears it.
	ManualHold      bool       `json:"manual_hold"`
	PaymentAttempts int        `json:"payment_attempts"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ============================================================================
// BUREAUS
// ============================================================================

// Bureau identifies a consumer reporting agency.
type Bureau string

const (
	BureauEquifax    Bureau = "equifax"
	BureauExperian   Bureau = "experian"
	BureauTransUnion Bureau = "transunion"
)

// Bureaus is the standard tri-bureau set in stable order.
var Bureaus = []Bureau{BureauEquifax, BureauExperian, BureauTransUnion}

// ============================================================================
// CREDIT REPORT
// ============================================================================

// Tradeline is the per-bureau view of an account on a report.
type Tradeline struct {
	Present        bool     `json:"present"`
	Status         string   `json:"status"` // e.g. "collection", "chargeoff", "ok"
	PaymentHistory []string `json:"payment_history"` // newest first, up to 24 months
	BalanceMinor   int64    `json:"balance_minor"`
	DateOpened     string   `json:"date_opened"`     // YYYY-MM
	FirstDelinquency string `json:"first_delinquency,omitempty"` // YYYY-MM, drives obsolescence
}

// Account is a deduplicated (by account number) entry on a credit report.
type Account struct {
	Number    string               `json:"number"`
	Furnisher string               `json:"furnisher"`
	Kind      string               `json:"kind"` // revolving, installment, collection, ...
	Negative  bool                 `json:"negative"`
	ByBureau  map[Bureau]Tradeline `json:"by_bureau"`
}

// CreditReport is an immutable parsed report; reports form an ordered
// sequence per client (newest wins).
type CreditReport struct {
	ID            string         `json:"report_id"`
	TenantID      string         `json:"tenant_id"`
	ClientID      string         `json:"client_id"`
	Provider      string         `json:"provider"`
	Seq           int            `json:"seq"` // dense per client
	Scores        map[Bureau]int `json:"scores"`
	Accounts      []Account      `json:"accounts"`
	Inquiries     []Inquiry      `json:"inquiries"`
	PublicRecords []PublicRecord `json:"public_records"`
	PulledAt      time.Time      `json:"pulled_at"`
}

// Inquiry is a hard pull entry.
type Inquiry struct {
	Bureau Bureau    `json:"bureau"`
	Name   string    `json:"name"`
	Date   time.Time `json:"date"`
}

// PublicRecord is a bankruptcy/lien/judgment entry.
type PublicRecord struct {
	Kind     string    `json:"kind"`
	Bureau   Bureau    `json:"bureau"`
	FiledAt  time.Time `json:"filed_at"`
	Released bool      `json:"released"`
}

// AccountByNumber returns the account with the given number, or nil.
func (r *CreditReport) AccountByNumber(number string) *Account {
	for i := range r.Accounts {
		if r.Accounts[i].Number == number {
			return &r.Accounts[i]
		}
	}
	return nil
}

// ============================================================================
// AUDIT
// ============================================================================

// AuditEntry is an append-only record of a privileged action.
type AuditEntry struct {
	ID           string    `json:"audit_id"`
	TenantID     string    `json:"tenant_id"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	BeforeSHA256 string    `json:"before_sha256"`
	AfterSHA256  string    `json:"after_sha256"`
	At           time.Time `json:"at"`
}

// RequiresAction is a durable "staff must look at this" item created from
// non-transient failures (task.dead, letter.blocked, payment.blocked,
// batch.failed). Nothing silently regresses; these are the visible residue.
type RequiresAction struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	ClientID  string     `json:"client_id"`
	Kind      string     `json:"kind"`
	Detail    string     `json:"detail"`
	CreatedAt time.Time  `json:"created_at"`
	ClearedAt *time.Time `json:"cleared_at,omitempty"`
	ClearedBy string     `json:"cleared_by,omitempty"`
}
