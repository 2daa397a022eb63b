package domain

// NetworkStatus is the node's view of the chain.
type NetworkStatus struct {
	Height            uint64 `json:"height"`
	FinalizedHeight   uint64 `json:"finalizedHeight"`
	GenesisHeight     uint64 `json:"genesisHeight"`
	NetworkIdentifier string `json:"networkIdentifier"`
	Version           string `json:"version"`
}
