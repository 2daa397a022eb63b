package domain

// Multisignature is one member of a registered multisignature group.
type Multisignature struct {
	ID                 string `json:"id"`
	TransactionID      string `json:"transactionId"`
	GroupAddress       string `json:"groupAddress"`
	MemberAddress      string `json:"memberAddress"`
	IsMandatory        bool   `json:"isMandatory"`
	NumberOfSignatures int    `json:"numberOfSignatures"`
}
