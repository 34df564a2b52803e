package memory

import (
	"github.com/tinoosan/balanceledger/internal/service/balance"
	"github.com/tinoosan/balanceledger/internal/service/entity"
	"github.com/tinoosan/balanceledger/internal/service/movement"
	"github.com/tinoosan/balanceledger/internal/service/transfer"
)

// Compile-time interface assertions documenting which interfaces Store satisfies.
var (
	// Service layer repos and writers
	_ entity.Repo    = (*Store)(nil)
	_ entity.Writer  = (*Store)(nil)
	_ balance.Repo   = (*Store)(nil)
	_ transfer.Repo  = (*Store)(nil)
	_ transfer.Tx    = (*Tx)(nil)
	_ movement.Store = (*Tx)(nil)
)
