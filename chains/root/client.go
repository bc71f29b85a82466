package root

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/retriever"
	regstate "github.com/centrifuge/go-substrate-rpc-client/v4/registry/state"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/cockroachdb/errors"

	"github.com/trncs/relayerd/log"
)

// Client wraps the substrate connection to the Root network. Event decoding
// goes through the dynamic registry so pallet events need no generated types.
type Client struct {
	api    *gsrpc.SubstrateAPI
	meta   *types.Metadata
	events retriever.EventRetriever

	// Proof queries fall back to these HTTP endpoints, tried in order, when
	// the websocket call fails.
	httpEndpoints []string
	httpClient    *http.Client

	keypair   signature.KeyringPair
	genesis   types.Hash
	rtVersion *types.RuntimeVersion

	logger *log.RelayLogger
}

func NewClient(wsEndpoint, relayerSeed string, httpEndpoints []string, logger *log.RelayLogger) (*Client, error) {
	api, err := gsrpc.NewSubstrateAPI(wsEndpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to root node %q", wsEndpoint)
	}
	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch metadata")
	}
	genesis, err := api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch genesis hash")
	}
	rtVersion, err := api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch runtime version")
	}
	events, err := retriever.NewDefaultEventRetriever(regstate.NewEventProvider(api.RPC.State), api.RPC.State)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build event retriever")
	}

	c := &Client{
		api:           api,
		meta:          meta,
		events:        events,
		httpEndpoints: httpEndpoints,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		genesis:       genesis,
		rtVersion:     rtVersion,
		logger:        logger,
	}
	if relayerSeed != "" {
		keypair, err := signature.KeyringPairFromSecret(relayerSeed, 42)
		if err != nil {
			return nil, errors.Wrap(err, "invalid relayer seed")
		}
		c.keypair = keypair
	}
	return c, nil
}

func (c *Client) Address() string {
	return c.keypair.Address
}

// FinalizedHeight returns the height of the latest finalized block.
func (c *Client) FinalizedHeight() (int64, error) {
	hash, err := c.api.RPC.Chain.GetFinalizedHead()
	if err != nil {
		return 0, errors.Wrap(err, "failed to fetch finalized head")
	}
	header, err := c.api.RPC.Chain.GetHeader(hash)
	if err != nil {
		return 0, errors.Wrap(err, "failed to fetch finalized header")
	}
	return int64(header.Number), nil
}

func (c *Client) BlockHash(height int64) (types.Hash, error) {
	hash, err := c.api.RPC.Chain.GetBlockHash(uint64(height))
	if err != nil {
		return types.Hash{}, errors.Wrapf(err, "failed to fetch block hash at %d", height)
	}
	return hash, nil
}

// EventsAt returns the decoded events of the block at hash.
func (c *Client) EventsAt(hash types.Hash) ([]*parser.Event, error) {
	events, err := c.events.GetEvents(hash)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch events at %s", hash.Hex())
	}
	return events, nil
}

// SubmitExtrinsic signs and submits a call, waits for inclusion, and checks
// the block's events for the extrinsic's outcome. A pallet dispatch error is
// returned as "Pallet.ErrorName" so callers can match skippable replays.
func (c *Client) SubmitExtrinsic(ctx context.Context, call types.Call) (types.Hash, error) {
	ext := types.NewExtrinsic(call)

	var accountInfo types.AccountInfo
	key, err := types.CreateStorageKey(c.meta, "System", "Account", c.keypair.PublicKey)
	if err != nil {
		return types.Hash{}, errors.Wrap(err, "failed to build account storage key")
	}
	ok, err := c.api.RPC.State.GetStorageLatest(key, &accountInfo)
	if err != nil || !ok {
		return types.Hash{}, errors.Wrap(err, "failed to fetch account nonce")
	}

	err = ext.Sign(c.keypair, types.SignatureOptions{
		BlockHash:          c.genesis,
		Era:                types.ExtrinsicEra{IsImmortalEra: true},
		GenesisHash:        c.genesis,
		Nonce:              types.NewUCompactFromUInt(uint64(accountInfo.Nonce)),
		SpecVersion:        c.rtVersion.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: c.rtVersion.TransactionVersion,
	})
	if err != nil {
		return types.Hash{}, errors.Wrap(err, "failed to sign extrinsic")
	}

	sub, err := c.api.RPC.Author.SubmitAndWatchExtrinsic(ext)
	if err != nil {
		return types.Hash{}, errors.Wrap(err, "failed to submit extrinsic")
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return types.Hash{}, ctx.Err()
		case err := <-sub.Err():
			return types.Hash{}, errors.Wrap(err, "extrinsic subscription failed")
		case status := <-sub.Chan():
			if status.IsDropped || status.IsInvalid {
				return types.Hash{}, errors.New("extrinsic dropped from pool")
			}
			if !status.IsInBlock {
				continue
			}
			blockHash := status.AsInBlock
			if err := c.checkExtrinsicResult(blockHash, ext); err != nil {
				return blockHash, err
			}
			c.logger.InfoContext(ctx, "extrinsic included", "block", blockHash.Hex())
			return blockHash, nil
		}
	}
}

// checkExtrinsicResult scans the block for a System.ExtrinsicFailed matching
// our extrinsic and resolves its module error against the metadata.
func (c *Client) checkExtrinsicResult(blockHash types.Hash, ext types.Extrinsic) error {
	block, err := c.api.RPC.Chain.GetBlock(blockHash)
	if err != nil {
		return errors.Wrap(err, "failed to fetch block")
	}
	encoded, err := codec.Encode(ext)
	if err != nil {
		return errors.Wrap(err, "failed to encode extrinsic")
	}
	index := -1
	for i, blockExt := range block.Block.Extrinsics {
		blockEncoded, err := codec.Encode(blockExt)
		if err != nil {
			continue
		}
		if string(blockEncoded) == string(encoded) {
			index = i
			break
		}
	}
	if index < 0 {
		return errors.New("extrinsic not found in block")
	}

	events, err := c.EventsAt(blockHash)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if ev.Name != "System.ExtrinsicFailed" {
			continue
		}
		if ev.Phase == nil || !ev.Phase.IsApplyExtrinsic || int(ev.Phase.AsApplyExtrinsic) != index {
			continue
		}
		return errors.New(c.describeDispatchError(ev))
	}
	return nil
}

// describeDispatchError renders a module error as "Pallet.ErrorName"; other
// dispatch errors fall back to the raw field dump.
func (c *Client) describeDispatchError(ev *parser.Event) string {
	module, ok := moduleError(ev)
	if !ok {
		return "extrinsic failed"
	}
	for _, pallet := range c.meta.AsMetadataV14.Pallets {
		if uint8(pallet.Index) != module.index {
			continue
		}
		if !pallet.HasErrors {
			break
		}
		errType, ok := c.meta.AsMetadataV14.EfficientLookup[pallet.Errors.Type.Int64()]
		if !ok || !errType.Def.IsVariant {
			break
		}
		for _, variant := range errType.Def.Variant.Variants {
			if uint8(variant.Index) == module.errorIndex {
				return string(pallet.Name) + "." + string(variant.Name)
			}
		}
	}
	return "extrinsic failed"
}

// NewCall builds a call for the named pallet function.
func (c *Client) NewCall(method string, args ...any) (types.Call, error) {
	call, err := types.NewCall(c.meta, method, args...)
	if err != nil {
		return types.Call{}, errors.Wrapf(err, "failed to build call %s", method)
	}
	return call, nil
}

// CheckBalance reports whether the relayer account holds at least minUnits of
// the native token.
func (c *Client) CheckBalance(minUnits *big.Int) (bool, *big.Int, error) {
	key, err := types.CreateStorageKey(c.meta, "System", "Account", c.keypair.PublicKey)
	if err != nil {
		return false, nil, errors.Wrap(err, "failed to build account storage key")
	}
	var accountInfo types.AccountInfo
	ok, err := c.api.RPC.State.GetStorageLatest(key, &accountInfo)
	if err != nil {
		return false, nil, errors.Wrap(err, "failed to fetch account")
	}
	if !ok {
		return false, big.NewInt(0), nil
	}
	free := accountInfo.Data.Free.Int
	return free.Cmp(minUnits) >= 0, free, nil
}

// FetchEventProof asks the node for the validator attestation of a bridge
// event via the ethy RPC. Returns nil without error while the proof is still
// being signed.
func (c *Client) FetchEventProof(proofID uint64) (*EventProofResponse, error) {
	var resp EventProofResponse
	if err := c.callProofRPC("ethy_getEventProof", proofID, &resp); err != nil {
		return nil, errors.Wrapf(err, "failed to fetch event proof %d", proofID)
	}
	if len(resp.Signatures) == 0 && len(resp.Validators) == 0 {
		return nil, nil
	}
	return &resp, nil
}

// FetchXrplTxProof fetches the multisig attestation of an XRPL door
// transaction.
func (c *Client) FetchXrplTxProof(proofID uint64) (*XrplProofResponse, error) {
	var resp XrplProofResponse
	if err := c.callProofRPC("ethy_getXrplTxProof", proofID, &resp); err != nil {
		return nil, errors.Wrapf(err, "failed to fetch xrpl proof %d", proofID)
	}
	if len(resp.Signatures) == 0 {
		return nil, nil
	}
	return &resp, nil
}

// callProofRPC queries the ethy RPC over the websocket connection, then over
// each configured HTTP endpoint in order.
func (c *Client) callProofRPC(method string, proofID uint64, target any) error {
	wsErr := c.api.Client.Call(target, method, proofID)
	if wsErr == nil {
		return nil
	}
	for _, endpoint := range c.httpEndpoints {
		err := c.callHTTP(endpoint, method, proofID, target)
		if err == nil {
			return nil
		}
		c.logger.Warn("proof query over http failed",
			"endpoint", endpoint, "method", method, "error", err.Error())
	}
	return wsErr
}

func (c *Client) callHTTP(endpoint, method string, proofID uint64, target any) error {
	body, err := json.Marshal(map[string]any{
		"id":      1,
		"jsonrpc": "2.0",
		"method":  method,
		"params":  []any{proofID},
	})
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "failed to query %q", endpoint)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return errors.Wrap(err, "failed to decode rpc response")
	}
	if rpcResp.Error != nil {
		return errors.Newf("rpc error: %s", rpcResp.Error.Message)
	}
	return json.Unmarshal(rpcResp.Result, target)
}

// GetStorage decodes the value at the given pallet storage entry into target.
// Returns false when the entry is empty.
func (c *Client) GetStorage(prefix, method string, target any, args ...[]byte) (bool, error) {
	key, err := types.CreateStorageKey(c.meta, prefix, method, args...)
	if err != nil {
		return false, errors.Wrapf(err, "failed to build storage key %s.%s", prefix, method)
	}
	ok, err := c.api.RPC.State.GetStorageLatest(key, target)
	if err != nil {
		return false, errors.Wrapf(err, "failed to fetch storage %s.%s", prefix, method)
	}
	return ok, nil
}
