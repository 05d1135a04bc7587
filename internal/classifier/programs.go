// internal/classifier/programs.go
package classifier

// Swap program ids recognised by default.
const (
	JupiterV6     = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
	RaydiumAMMV4  = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	RaydiumCPMM   = "CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C"
	RaydiumCLMM   = "CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK"
	OrcaWhirlpool = "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc"
	MeteoraDLMM   = "LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo"
	PumpFun       = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	PumpSwapAMM   = "pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA"
)

// DefaultSwapPrograms returns the default allow-list.
func DefaultSwapPrograms() []string {
	return []string{
		JupiterV6,
		RaydiumAMMV4,
		RaydiumCPMM,
		RaydiumCLMM,
		OrcaWhirlpool,
		MeteoraDLMM,
		PumpFun,
		PumpSwapAMM,
	}
}
