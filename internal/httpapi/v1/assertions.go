package v1

import (
	"github.com/tinoosan/balanceledger/internal/storage/memory"
	"github.com/tinoosan/balanceledger/internal/storage/postgres"
)

// Compile-time interface assertions for the stores against /readyz.
var (
	_ ReadyChecker = (*memory.Store)(nil)
	_ ReadyChecker = (*postgres.Store)(nil)
)
