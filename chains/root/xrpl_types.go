package root

import (
	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/cockroachdb/errors"
)

// XrplPayment is an XRP transfer claim submitted to the bridge pallet.
type XrplPayment struct {
	Amount      types.U128
	Destination types.H160
}

// XrplCurrency identifies a bridged issued currency by its symbol and the
// issuer's decoded account id.
type XrplCurrency struct {
	Symbol types.Bytes
	Issuer types.H160
}

// XrplCurrencyPayment is an issued-currency transfer claim.
type XrplCurrencyPayment struct {
	Amount   types.U128
	Address  types.H160
	Currency XrplCurrency
}

// Xls20Payment is an XLS-20 token transfer claim, raised when the door
// account accepts an NFT sell offer.
type Xls20Payment struct {
	TokenID types.H256
	Address types.H160
}

// XrplTxData is the bridge pallet's transaction payload enum.
type XrplTxData struct {
	IsPayment bool
	AsPayment XrplPayment

	IsCurrencyPayment bool
	AsCurrencyPayment XrplCurrencyPayment

	IsXls20 bool
	AsXls20 Xls20Payment
}

func NewXrplPaymentData(amount types.U128, destination types.H160) XrplTxData {
	return XrplTxData{IsPayment: true, AsPayment: XrplPayment{Amount: amount, Destination: destination}}
}

func NewXrplCurrencyPaymentData(amount types.U128, address types.H160, currency XrplCurrency) XrplTxData {
	return XrplTxData{
		IsCurrencyPayment: true,
		AsCurrencyPayment: XrplCurrencyPayment{Amount: amount, Address: address, Currency: currency},
	}
}

func NewXls20PaymentData(tokenID types.H256, address types.H160) XrplTxData {
	return XrplTxData{IsXls20: true, AsXls20: Xls20Payment{TokenID: tokenID, Address: address}}
}

func (d XrplTxData) Encode(encoder scale.Encoder) error {
	switch {
	case d.IsPayment:
		if err := encoder.PushByte(0); err != nil {
			return err
		}
		return encoder.Encode(d.AsPayment)
	case d.IsCurrencyPayment:
		if err := encoder.PushByte(1); err != nil {
			return err
		}
		return encoder.Encode(d.AsCurrencyPayment)
	case d.IsXls20:
		if err := encoder.PushByte(2); err != nil {
			return err
		}
		return encoder.Encode(d.AsXls20)
	default:
		return errors.New("unset XrplTxData variant")
	}
}

func (d *XrplTxData) Decode(decoder scale.Decoder) error {
	variant, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	switch variant {
	case 0:
		d.IsPayment = true
		return decoder.Decode(&d.AsPayment)
	case 1:
		d.IsCurrencyPayment = true
		return decoder.Decode(&d.AsCurrencyPayment)
	case 2:
		d.IsXls20 = true
		return decoder.Decode(&d.AsXls20)
	default:
		return errors.Newf("unknown XrplTxData variant %d", variant)
	}
}

// Xls20Mapping pairs a collection serial number with the XLS-20 token id it
// was minted as. Encodes as the pallet's (SerialNumber, Xls20TokenId) tuple.
type Xls20Mapping struct {
	SerialNumber types.U32
	TokenID      types.H256
}

// DoorAccountKind selects which door account a pallet call addresses.
type DoorAccountKind byte

const (
	DoorAccountMain DoorAccountKind = 0
	DoorAccountNFT  DoorAccountKind = 1
)

func (k DoorAccountKind) Encode(encoder scale.Encoder) error {
	return encoder.PushByte(byte(k))
}

func (k *DoorAccountKind) Decode(decoder scale.Decoder) error {
	b, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	*k = DoorAccountKind(b)
	return nil
}
