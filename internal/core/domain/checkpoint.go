package domain

// Checkpoint keys persisted in the key-value store.
const (
	CheckpointGenesisHeight       = "genesisHeight"
	CheckpointFinalizedHeight     = "finalizedHeight"
	CheckpointIndexVerifiedHeight = "indexVerifiedHeight"
	CheckpointIndexStatus         = "indexStatus"

	CheckpointGenesisAccountsIndexed = "isGenesisAccountsIndexed"
	CheckpointGenesisAccountsPage    = "genesisAccountsPage"
	CheckpointDelegatesIndexed       = "isDelegatesIndexed"
	CheckpointDelegatesPage          = "delegatesPage"
)
