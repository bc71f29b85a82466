package models

import (
	"time"

	"gorm.io/datatypes"
)

// TxStatus is the lifecycle of a tracking record.
//
//	Processing -> ProcessingOk | ProcessingFailed
//	Delayed    -> Processing
//
// ProcessingOk and ProcessingFailed are terminal; records are never deleted.
type TxStatus string

const (
	TxStatusProcessing       TxStatus = "Processing"
	TxStatusProcessingOk     TxStatus = "ProcessingOk"
	TxStatusProcessingFailed TxStatus = "ProcessingFailed"
	TxStatusDelayed          TxStatus = "Delayed"
)

// TokenValue is the decoded amount payload of a transfer.
type TokenValue struct {
	Amount    string `json:"amount"`
	TokenName string `json:"tokenName,omitempty"`
	// TokenAddress is set for Ethereum-side transfers; the zero address
	// denotes native ETH.
	TokenAddress string `json:"tokenAddress,omitempty"`
}

// AuxData carries auxiliary delayed-payment metadata used to correlate
// re-fired events that arrive without an extrinsic reference.
type AuxData struct {
	DelayedAmount  string `json:"delayedAmount,omitempty"`
	ReleaseAtBlock int64  `json:"releaseAtBlock,omitempty"`
}

// TxDeposit tracks an inbound transfer (Ethereum/XRPL -> Root). The natural
// key is the source-chain transaction hash.
type TxDeposit struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	// The hash pair is the natural key; exactly one side is set,
	// depending on the daemon.
	EthHash  string `gorm:"size:66;uniqueIndex:idx_deposits_source_hash"`
	XrplHash string `gorm:"size:64;uniqueIndex:idx_deposits_source_hash"`

	MessageID   int64  `gorm:"index"`
	MessageFee  string
	MessageData string `gorm:"type:text"`
	From        string `gorm:"size:66"`
	To          string `gorm:"size:66"`

	Value datatypes.JSONType[TokenValue]

	Status TxStatus `gorm:"size:20;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TxDeposit) TableName() string { return "tx_deposits" }

// TxWithdrawal tracks an outbound transfer (Root -> Ethereum/XRPL). The
// natural key is the originating extrinsic id; EventID and the AuxData
// composite key support correlation when a re-fired event carries no
// extrinsic reference.
type TxWithdrawal struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	ExtrinsicID string `gorm:"size:32;uniqueIndex"`
	EventID     int64  `gorm:"index"`

	From string `gorm:"size:66"`
	To   string `gorm:"size:66"`

	Value datatypes.JSONType[TokenValue]

	EventBlob    string `gorm:"type:text"`
	EventSigners datatypes.JSON

	Aux datatypes.JSONType[AuxData]

	// Identifier of the outbound submission on the destination chain.
	XrplHash string `gorm:"size:64;index"`
	EthHash  string `gorm:"size:66;index"`

	Status TxStatus `gorm:"size:20;not null;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TxWithdrawal) TableName() string { return "tx_withdrawals" }

// TxSignerSetChange tracks an authority/signer set rotation relayed to the
// XRPL door account. The natural key is the event proof id.
type TxSignerSetChange struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	EventID     int64  `gorm:"uniqueIndex"`
	EventItemID string `gorm:"size:32"`

	NewSignerSet datatypes.JSON
	EventBlob    string `gorm:"type:text"`
	EventSigners datatypes.JSON

	XrplHash string `gorm:"size:64;index"`

	Status TxStatus `gorm:"size:20;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TxSignerSetChange) TableName() string { return "tx_signer_set_changes" }

// TxAuthSetChange tracks a validator set rotation replayed onto the Ethereum
// bridge contract. The natural key is the event proof id.
type TxAuthSetChange struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	EventID     int64  `gorm:"uniqueIndex"`
	EventItemID string `gorm:"size:32"`

	NewAuthSetID int64
	NewAuthSet   datatypes.JSON
	EventBlob    string `gorm:"type:text"`
	EventSigners datatypes.JSON

	EthHash string `gorm:"size:66;index"`

	Status TxStatus `gorm:"size:20;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TxAuthSetChange) TableName() string { return "tx_auth_set_changes" }

// TxNftOffer tracks an inbound XLS-20 NFT offer to the door account. The
// natural key is the offer's XRPL transaction hash.
type TxNftOffer struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	XrplHash string `gorm:"size:64;uniqueIndex"`
	OfferID  string `gorm:"size:64;index"`
	TokenID  string `gorm:"size:64;index"`

	Owner       string `gorm:"size:64"`
	Destination string `gorm:"size:66"`

	Status TxStatus `gorm:"size:20;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TxNftOffer) TableName() string { return "tx_nft_offers" }

// TxMintRequest tracks an outbound XLS-20 mint request (Root -> XRPL). The
// natural key is "{collectionId}_{serialNumber}", unique per minted token.
type TxMintRequest struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	RequestNonce string `gorm:"size:32;uniqueIndex"`

	CollectionID uint32
	SerialNumber int64
	Metadata     string `gorm:"type:text"`
	Destination  string `gorm:"size:64"`

	// XRPL token id reported back to Root after the mint.
	TokenID  string `gorm:"size:64"`
	XrplHash string `gorm:"size:64;index"`

	Status TxStatus `gorm:"size:20;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TxMintRequest) TableName() string { return "tx_mint_requests" }

// All lists every tracking-record model for AutoMigrate.
func All() []any {
	return []any{
		&TxDeposit{},
		&TxWithdrawal{},
		&TxSignerSetChange{},
		&TxAuthSetChange{},
		&TxNftOffer{},
		&TxMintRequest{},
	}
}
