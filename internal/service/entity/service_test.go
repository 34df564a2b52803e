package entity_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinoosan/balanceledger/internal/errs"
	"github.com/tinoosan/balanceledger/internal/ledger"
	"github.com/tinoosan/balanceledger/internal/service/entity"
	"github.com/tinoosan/balanceledger/internal/storage/memory"
)

func newService() entity.Service {
	st := memory.New()
	return entity.New(st, st)
}

func TestValidateCreate(t *testing.T) {
	svc := newService()
	cases := []struct {
		name string
		in   ledger.Entity
		ok   bool
	}{
		{"valid", ledger.Entity{Name: "Maika Store", Tag: "Maika"}, true},
		{"blank name", ledger.Entity{Name: "  ", Tag: "Maika"}, false},
		{"missing tag", ledger.Entity{Name: "Maika Store"}, false},
		{"long tag", ledger.Entity{Name: "x", Tag: strings.Repeat("x", 65)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.ValidateCreate(tc.in)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCreateTrimsAndActivates(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	e, err := svc.Create(ctx, ledger.Entity{ID: 42, Name: " Central Bank ", Tag: " bank "})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.ID)
	assert.Equal(t, "Central Bank", e.Name)
	assert.Equal(t, "bank", e.Tag)
	assert.True(t, e.Active)

	_, err = svc.Create(ctx, ledger.Entity{Name: "no tag"})
	assert.ErrorIs(t, err, errs.ErrInvalid)
}

func TestUpdateKeepsTag(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	e, err := svc.Create(ctx, ledger.Entity{Name: "Maika Store", Tag: "Maika"})
	require.NoError(t, err)

	e.Name = "Maika Downtown"
	got, err := svc.Update(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "Maika Downtown", got.Name)
	assert.Equal(t, "Maika", got.Tag)

	e.Tag = "client"
	_, err = svc.Update(ctx, e)
	assert.ErrorIs(t, err, errs.ErrImmutable)

	_, err = svc.Update(ctx, ledger.Entity{ID: 99, Name: "ghost"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeactivateIsIdempotent(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	e, err := svc.Create(ctx, ledger.Entity{Name: "Walk-in Client", Tag: "client"})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, e.ID))
	require.NoError(t, svc.Deactivate(ctx, e.ID))
	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.ErrorIs(t, svc.Deactivate(ctx, 0), errs.ErrInvalid)
	assert.ErrorIs(t, svc.Deactivate(ctx, 7), errs.ErrNotFound)
}
