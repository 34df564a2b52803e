// Package entity implements the entity registry rules: required name and tag, editable descriptive
// fields, soft-deletes, and an immutable tag once balances may reference it.
package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tinoosan/balanceledger/internal/errs"
	"github.com/tinoosan/balanceledger/internal/ledger"
)

type Repo interface {
	ListEntities(ctx context.Context) ([]ledger.Entity, error)
	GetEntity(ctx context.Context, id int64) (ledger.Entity, error)
}

type Writer interface {
	CreateEntity(ctx context.Context, e ledger.Entity) (ledger.Entity, error)
	UpdateEntity(ctx context.Context, e ledger.Entity) (ledger.Entity, error)
}

type Service interface {
	ValidateCreate(e ledger.Entity) error
	Create(ctx context.Context, e ledger.Entity) (ledger.Entity, error)
	List(ctx context.Context) ([]ledger.Entity, error)
	Get(ctx context.Context, id int64) (ledger.Entity, error)
	Update(ctx context.Context, e ledger.Entity) (ledger.Entity, error)
	Deactivate(ctx context.Context, id int64) error
}

type service struct {
	repo   Repo
	writer Writer
}

func New(repo Repo, writer Writer) Service { return &service{repo: repo, writer: writer} }

func normalize(e ledger.Entity) ledger.Entity {
	e.Name = strings.TrimSpace(e.Name)
	e.Tag = strings.TrimSpace(e.Tag)
	return e
}

func (s *service) ValidateCreate(e ledger.Entity) error {
	e = normalize(e)
	if e.Name == "" { return errors.New("name is required") }
	if e.Tag == "" { return errors.New("tag is required") }
	if len(e.Tag) > 64 { return errors.New("tag must be at most 64 characters") }
	return nil
}

func (s *service) Create(ctx context.Context, e ledger.Entity) (ledger.Entity, error) {
	e = normalize(e)
	if err := s.ValidateCreate(e); err != nil { return ledger.Entity{}, fmt.Errorf("%w: %v", errs.ErrInvalid, err) }
	e.ID = 0
	e.Active = true
	return s.writer.CreateEntity(ctx, e)
}

func (s *service) List(ctx context.Context) ([]ledger.Entity, error) { return s.repo.ListEntities(ctx) }

func (s *service) Get(ctx context.Context, id int64) (ledger.Entity, error) {
	if id <= 0 { return ledger.Entity{}, errs.ErrInvalid }
	return s.repo.GetEntity(ctx, id)
}

// Update applies descriptive changes. The tag keys tag balances, so changing it is rejected.
func (s *service) Update(ctx context.Context, e ledger.Entity) (ledger.Entity, error) {
	if e.ID <= 0 { return ledger.Entity{}, errs.ErrInvalid }
	cur, err := s.repo.GetEntity(ctx, e.ID)
	if err != nil { return ledger.Entity{}, err }
	e = normalize(e)
	if e.Tag != "" && e.Tag != cur.Tag { return ledger.Entity{}, errs.ErrImmutable }
	if e.Name == "" { e.Name = cur.Name }
	e.Tag = cur.Tag
	return s.writer.UpdateEntity(ctx, e)
}

// Deactivate soft-deletes an entity. Existing balances stay untouched.
func (s *service) Deactivate(ctx context.Context, id int64) error {
	cur, err := s.Get(ctx, id)
	if err != nil { return err }
	if !cur.Active { return nil }
	cur.Active = false
	_, err = s.writer.UpdateEntity(ctx, cur)
	return err
}
