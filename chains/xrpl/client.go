package xrpl

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/trncs/relayerd/log"
)

const requestTimeout = 30 * time.Second

// Client speaks the XRPL websocket API. Requests are serialized over a single
// connection and correlated by id; the connection is re-dialed on failure.
type Client struct {
	url    string
	logger *log.RelayLogger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

func NewClient(url string, logger *log.RelayLogger) *Client {
	return &Client{url: url, logger: logger}
}

type request struct {
	ID      uint64 `json:"id"`
	Command string `json:"command"`
	Params  map[string]any
}

func (r request) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(r.Params)+2)
	for k, v := range r.Params {
		body[k] = v
	}
	body["id"] = r.ID
	body["command"] = r.Command
	return json.Marshal(body)
}

type response struct {
	ID           uint64          `json:"id"`
	Status       string          `json:"status"`
	Type         string          `json:"type"`
	Result       json.RawMessage `json:"result"`
	Error        string          `json:"error"`
	ErrorMessage string          `json:"error_message"`
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial xrpl node %q", c.url)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Call sends one command and decodes its result into target. Server-side
// errors come back as Go errors carrying the node's error code so callers
// can match engine results.
func (c *Client) Call(ctx context.Context, command string, params map[string]any, target any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.nextID++
	req := request{ID: c.nextID, Command: command, Params: params}

	deadline := time.Now().Add(requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(req); err != nil {
		c.dropConn()
		return errors.Wrapf(err, "failed to send %s", command)
	}

	for {
		conn.SetReadDeadline(deadline)
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			c.dropConn()
			return errors.Wrapf(err, "failed to read %s response", command)
		}
		// Subscription streams share the socket; skip anything that is not
		// the reply to this request.
		if resp.Type != "response" || resp.ID != req.ID {
			continue
		}
		if resp.Status != "success" {
			return errors.Newf("%s failed: %s (%s)", command, resp.Error, resp.ErrorMessage)
		}
		if target == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, target); err != nil {
			return errors.Wrapf(err, "failed to decode %s result", command)
		}
		return nil
	}
}

// ValidatedLedgerIndex returns the index of the latest validated ledger.
func (c *Client) ValidatedLedgerIndex(ctx context.Context) (int64, error) {
	var result struct {
		LedgerIndex int64 `json:"ledger_index"`
	}
	err := c.Call(ctx, "ledger", map[string]any{"ledger_index": "validated"}, &result)
	if err != nil {
		return 0, err
	}
	return result.LedgerIndex, nil
}

// AccountTx pages through an account's validated transactions in forward
// order. Pass the marker from the previous page to continue; a nil returned
// marker means the range is exhausted.
func (c *Client) AccountTx(ctx context.Context, account string, minLedger, maxLedger int64, marker json.RawMessage) (*AccountTxResult, error) {
	params := map[string]any{
		"account":          account,
		"ledger_index_min": minLedger,
		"ledger_index_max": maxLedger,
		"forward":          true,
		"limit":            200,
	}
	if marker != nil {
		params["marker"] = marker
	}
	var result AccountTxResult
	if err := c.Call(ctx, "account_tx", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AccountInfo returns the current account root, including Sequence and the
// ticket count.
func (c *Client) AccountInfo(ctx context.Context, account string) (*AccountInfoResult, error) {
	var result AccountInfoResult
	err := c.Call(ctx, "account_info", map[string]any{
		"account":      account,
		"ledger_index": "validated",
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AccountTickets lists the ticket sequence numbers currently held by account.
func (c *Client) AccountTickets(ctx context.Context, account string) ([]int64, error) {
	var tickets []int64
	var marker json.RawMessage
	for {
		params := map[string]any{
			"account":      account,
			"type":         "ticket",
			"ledger_index": "validated",
			"limit":        400,
		}
		if marker != nil {
			params["marker"] = marker
		}
		var result struct {
			AccountObjects []struct {
				TicketSequence int64 `json:"TicketSequence"`
			} `json:"account_objects"`
			Marker json.RawMessage `json:"marker"`
		}
		if err := c.Call(ctx, "account_objects", params, &result); err != nil {
			return nil, err
		}
		for _, obj := range result.AccountObjects {
			tickets = append(tickets, obj.TicketSequence)
		}
		if result.Marker == nil {
			return tickets, nil
		}
		marker = result.Marker
	}
}

// AccountLines returns the account's trust lines.
func (c *Client) AccountLines(ctx context.Context, account string) ([]TrustLine, error) {
	var result struct {
		Lines []TrustLine `json:"lines"`
	}
	err := c.Call(ctx, "account_lines", map[string]any{
		"account":      account,
		"ledger_index": "validated",
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Lines, nil
}

// SubmitMultisigned submits a fully assembled multisigned transaction. The
// engine result is returned alongside the hash; a non-tesSUCCESS result is
// an error carrying the engine code so callers can match skippable codes
// like tefNO_TICKET.
func (c *Client) SubmitMultisigned(ctx context.Context, tx json.RawMessage) (string, error) {
	var result struct {
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
		TxJSON              struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	err := c.Call(ctx, "submit_multisigned", map[string]any{
		"tx_json":   tx,
		"fail_hard": true,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.EngineResult != "tesSUCCESS" {
		return result.TxJSON.Hash, errors.Newf("submission failed: %s (%s)", result.EngineResult, result.EngineResultMessage)
	}
	return result.TxJSON.Hash, nil
}

// SignSubmitResult identifies a transaction signed and submitted on the
// relayer's behalf.
type SignSubmitResult struct {
	Hash     string
	Sequence int64
}

// SignAndSubmit has a trusted local node sign tx with the given seed and
// submit it in one step. Used for single-signature door housekeeping
// transactions; bridged transfers always go through SubmitMultisigned.
func (c *Client) SignAndSubmit(ctx context.Context, tx map[string]any, seed string) (*SignSubmitResult, error) {
	var result struct {
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
		TxJSON              struct {
			Hash     string `json:"hash"`
			Sequence int64  `json:"Sequence"`
		} `json:"tx_json"`
	}
	err := c.Call(ctx, "submit", map[string]any{
		"tx_json": tx,
		"secret":  seed,
	}, &result)
	if err != nil {
		return nil, err
	}
	submitted := &SignSubmitResult{Hash: result.TxJSON.Hash, Sequence: result.TxJSON.Sequence}
	if result.EngineResult != "tesSUCCESS" && result.EngineResult != "terQUEUED" {
		return submitted, errors.Newf("submission failed: %s (%s)", result.EngineResult, result.EngineResultMessage)
	}
	return submitted, nil
}

// TxNFTokenID returns the NFT identifier minted by the given transaction,
// empty until the transaction is validated.
func (c *Client) TxNFTokenID(ctx context.Context, hash string) (string, error) {
	var result struct {
		Validated bool `json:"validated"`
		Meta      struct {
			NFTokenID string `json:"nftoken_id"`
		} `json:"meta"`
	}
	if err := c.Call(ctx, "tx", map[string]any{"transaction": hash}, &result); err != nil {
		return "", err
	}
	if !result.Validated {
		return "", nil
	}
	return result.Meta.NFTokenID, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConn()
}
