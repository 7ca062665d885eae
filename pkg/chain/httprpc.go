package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPRPC speaks JSON-RPC 2.0 to one chain endpoint.
type HTTPRPC struct {
	url    string
	client *http.Client
}

// NewHTTPRPC creates a client for one endpoint URL.
func NewHTTPRPC(url string) *HTTPRPC {
	return &HTTPRPC{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (r *HTTPRPC) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("chain: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chain: build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("chain: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: %s: status %d", method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("chain: decode %s: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("chain: %s: rpc error %d: %s", method, rr.Error.Code, rr.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("chain: parse %s result: %w", method, err)
		}
	}
	return nil
}

// encodeTx serializes the transaction for the wire.
func encodeTx(tx *Transaction) (string, error) {
	raw, err := json.Marshal(tx)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Simulate dry-runs the transaction.
func (r *HTTPRPC) Simulate(ctx context.Context, tx *Transaction) (*SimulationResult, error) {
	encoded, err := encodeTx(tx)
	if err != nil {
		return nil, fmt.Errorf("chain: encode tx: %w", err)
	}
	var result struct {
		Value struct {
			UnitsConsumed uint64 `json:"unitsConsumed"`
			Err           any    `json:"err"`
		} `json:"value"`
	}
	params := []any{encoded, map[string]any{"encoding": "base64", "sigVerify": false}}
	if err := r.call(ctx, "simulateTransaction", params, &result); err != nil {
		return nil, err
	}
	sim := &SimulationResult{UnitsConsumed: result.Value.UnitsConsumed}
	if result.Value.Err != nil {
		sim.Err = fmt.Sprintf("%v", result.Value.Err)
	}
	return sim, nil
}

// RecentPriorityFees returns recently paid priority fees.
func (r *HTTPRPC) RecentPriorityFees(ctx context.Context) ([]uint64, error) {
	var result []struct {
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := r.call(ctx, "getRecentPrioritizationFees", nil, &result); err != nil {
		return nil, err
	}
	fees := make([]uint64, 0, len(result))
	for _, entry := range result {
		fees = append(fees, entry.PrioritizationFee)
	}
	return fees, nil
}

// LatestBlockhash fetches a fresh blockhash.
func (r *HTTPRPC) LatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := r.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return "", err
	}
	return result.Value.Blockhash, nil
}

// Submit sends the signed transaction and returns its signature.
func (r *HTTPRPC) Submit(ctx context.Context, tx *Transaction) (string, error) {
	encoded, err := encodeTx(tx)
	if err != nil {
		return "", fmt.Errorf("chain: encode tx: %w", err)
	}
	var signature string
	params := []any{encoded, map[string]any{"encoding": "base64"}}
	if err := r.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// SignatureStatus reports the confirmation state of a signature.
func (r *HTTPRPC) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	var result struct {
		Value []*struct {
			Slot               uint64 `json:"slot"`
			ConfirmationStatus string `json:"confirmationStatus"`
			Err                any    `json:"err"`
		} `json:"value"`
	}
	params := []any{[]string{signature}, map[string]any{"searchTransactionHistory": true}}
	if err := r.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return &SignatureStatus{Found: false}, nil
	}
	entry := result.Value[0]
	status := &SignatureStatus{
		Found:      true,
		Commitment: Commitment(entry.ConfirmationStatus),
		Slot:       entry.Slot,
	}
	if entry.Err != nil {
		status.Err = fmt.Sprintf("%v", entry.Err)
	}
	return status, nil
}

// Balance returns the lamport balance of an address.
func (r *HTTPRPC) Balance(ctx context.Context, address string) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := r.call(ctx, "getBalance", []any{address}, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// Health issues the endpoint health probe.
func (r *HTTPRPC) Health(ctx context.Context) error {
	var status string
	if err := r.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("chain: endpoint unhealthy: %s", status)
	}
	return nil
}
