package v1

import (
	"time"

	"github.com/google/uuid"
	"github.com/govalues/money"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/balanceledger/internal/ledger"
	"github.com/tinoosan/balanceledger/internal/service/balance"
	"github.com/tinoosan/balanceledger/internal/service/transfer"
)

// Entities

type postEntityRequest struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

type patchEntityRequest struct {
	Name   *string `json:"name"`
	Tag    *string `json:"tag"`
	Active *bool   `json:"active"`
}

type entityResponse struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Tag    string `json:"tag"`
	Active bool   `json:"active"`
}

func toEntityResponse(e ledger.Entity) entityResponse {
	return entityResponse{ID: e.ID, Name: e.Name, Tag: e.Tag, Active: e.Active}
}

// Operations

type postOperationRequest struct {
	Date         time.Time             `json:"date"`
	Observation  string                `json:"observation"`
	OperatorID   int64                 `json:"operator_id"`
	Transactions []postTransactionLine `json:"transactions"`
}

// Amount accepts a JSON string or number.
type postTransactionLine struct {
	FromEntityID int64           `json:"from_entity_id"`
	ToEntityID   int64           `json:"to_entity_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Type         string          `json:"type"`
}

func toOperationInput(req postOperationRequest) transfer.OperationInput {
	in := transfer.OperationInput{Date: req.Date, Observation: req.Observation, OperatorID: req.OperatorID}
	for _, ln := range req.Transactions {
		in.Lines = append(in.Lines, transfer.Line{FromID: ln.FromEntityID, ToID: ln.ToEntityID, Amount: ln.Amount, Currency: ln.Currency, Type: ln.Type})
	}
	return in
}

type transactionResponse struct {
	ID            uuid.UUID      `json:"id"`
	OperationID   uuid.UUID      `json:"operation_id"`
	OperationDate time.Time      `json:"operation_date"`
	Amount        string         `json:"amount"`
	AmountMinor   *int64         `json:"amount_minor,omitempty"`
	Currency      string         `json:"currency"`
	From          entityResponse `json:"from"`
	To            entityResponse `json:"to"`
	OperatorID    int64          `json:"operator_id"`
	Type          string         `json:"type"`
	Status        ledger.Status  `json:"status"`
}

func toTransactionResponse(t ledger.Transaction) transactionResponse {
	amt, minor := renderAmount(t.Currency, t.Amount)
	return transactionResponse{
		ID:            t.ID,
		OperationID:   t.OperationID,
		OperationDate: t.OperationDate,
		Amount:        amt,
		AmountMinor:   minor,
		Currency:      t.Currency,
		From:          toEntityResponse(t.From),
		To:            toEntityResponse(t.To),
		OperatorID:    t.OperatorID,
		Type:          t.Type,
		Status:        t.Status,
	}
}

type movementResponse struct {
	ID            int64              `json:"id"`
	TransactionID uuid.UUID          `json:"transaction_id"`
	Date          time.Time          `json:"date"`
	Direction     int                `json:"direction"`
	Type          ledger.EventType   `json:"type"`
	Account       ledger.AccountKind `json:"account"`
	Currency      string             `json:"currency"`
	Sides         []sideResponse     `json:"sides"`
}

type sideResponse struct {
	Side      string `json:"side"`
	BalanceID int64  `json:"balance_id"`
	Value     string `json:"value"`
}

func toMovementResponse(m ledger.Movement) movementResponse {
	out := movementResponse{
		ID: m.ID, TransactionID: m.TransactionID, Date: m.Date, Direction: int(m.Direction),
		Type: m.Type, Account: m.Account, Currency: m.Currency,
		Sides: make([]sideResponse, 0, ledger.NumSides),
	}
	for i := 0; i < ledger.NumSides; i++ {
		out.Sides = append(out.Sides, sideResponse{Side: ledger.Side(i).String(), BalanceID: m.BalanceIDs[i], Value: m.Values[i].String()})
	}
	return out
}

type lifecycleResponse struct {
	OperationID  *uuid.UUID            `json:"operation_id,omitempty"`
	Transactions []transactionResponse `json:"transactions"`
	Movements    []movementResponse    `json:"movements"`
}

func toLifecycleResponse(res transfer.Result) lifecycleResponse {
	out := lifecycleResponse{Transactions: make([]transactionResponse, 0, len(res.Transactions)), Movements: make([]movementResponse, 0, len(res.Movements))}
	if res.Operation.ID != uuid.Nil {
		id := res.Operation.ID
		out.OperationID = &id
	}
	for _, t := range res.Transactions {
		out.Transactions = append(out.Transactions, toTransactionResponse(t))
	}
	for _, m := range res.Movements {
		out.Movements = append(out.Movements, toMovementResponse(m))
	}
	return out
}

// Balances

type balanceResponse struct {
	BalanceID    int64              `json:"balance_id"`
	Type         int                `json:"type"`
	EntityA      int64              `json:"entity_a,omitempty"`
	EntityB      int64              `json:"entity_b,omitempty"`
	Tag          string             `json:"tag,omitempty"`
	Counterparty int64              `json:"counterparty_id,omitempty"`
	Currency     string             `json:"currency"`
	Account      ledger.AccountKind `json:"account"`
	Date         string             `json:"date"`
	Amount       string             `json:"amount"`
	AmountMinor  *int64             `json:"amount_minor,omitempty"`
	StoredAmount string             `json:"stored_amount"`
}

func toBalanceResponse(v balance.View) balanceResponse {
	b := v.Balance
	amt, minor := renderAmount(b.Key.Currency, v.Amount)
	return balanceResponse{
		BalanceID:    b.ID,
		Type:         int(b.Key.Dimension),
		EntityA:      b.Key.EntA,
		EntityB:      b.Key.EntB,
		Tag:          b.Key.Tag,
		Counterparty: v.Counterparty,
		Currency:     b.Key.Currency,
		Account:      b.Key.Account,
		Date:         b.Day.Format(time.DateOnly),
		Amount:       amt,
		AmountMinor:  minor,
		StoredAmount: b.Amount.String(),
	}
}

type movementEntryResponse struct {
	MovementID    int64              `json:"movement_id"`
	TransactionID uuid.UUID          `json:"transaction_id"`
	Date          time.Time          `json:"date"`
	Direction     int                `json:"direction"`
	Type          ledger.EventType   `json:"type"`
	Account       ledger.AccountKind `json:"account"`
	Currency      string             `json:"currency"`
	Side          string             `json:"side"`
	Counterparty  int64              `json:"counterparty_id,omitempty"`
	Balance       string             `json:"balance"`
	BalanceMinor  *int64             `json:"balance_minor,omitempty"`
}

type movementsPageResponse struct {
	Items    []movementEntryResponse `json:"items"`
	Page     int                     `json:"page"`
	PageSize int                     `json:"page_size"`
	Total    int                     `json:"total"`
}

func toMovementsPage(p balance.Page) movementsPageResponse {
	out := movementsPageResponse{Items: make([]movementEntryResponse, 0, len(p.Entries)), Page: p.Page, PageSize: p.PageSize, Total: p.Total}
	for _, e := range p.Entries {
		m := e.Movement
		amt, minor := renderAmount(m.Currency, e.Amount)
		out.Items = append(out.Items, movementEntryResponse{
			MovementID:    m.ID,
			TransactionID: m.TransactionID,
			Date:          m.Date,
			Direction:     int(m.Direction),
			Type:          m.Type,
			Account:       m.Account,
			Currency:      m.Currency,
			Side:          e.Side.String(),
			Counterparty:  e.Counterparty,
			Balance:       amt,
			BalanceMinor:  minor,
		})
	}
	return out
}

// renderAmount formats d as a decimal string and, for ISO 4217 currencies, as minor units too.
func renderAmount(currency string, d decimal.Decimal) (string, *int64) {
	a, err := money.ParseAmount(currency, d.String())
	if err != nil {
		return d.String(), nil
	}
	units, ok := a.MinorUnits()
	if !ok {
		return d.String(), nil
	}
	return d.String(), &units
}
