package adapter

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLOB ADAPTER: reference Exchange Adapter implementation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Grounded on exec.Client: EIP-712-signed order submission plus
// HMAC-authenticated REST calls against a CLOB-style venue. SOE/EFC/SR
// never import this type directly; they hold an adapter.Adapter.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ChainID and contract addresses are venue-specific constants the
// signer needs; callers supply their own via CLOBConfig.
type CLOBConfig struct {
	ID              string
	BaseURL         string
	VerifyingContract string
	ChainID         int64
	PrivateKeyHex   string
	APIKey          string
	APISecret       string
	Passphrase      string
	HTTPTimeout     time.Duration
}

// CLOBAdapter implements adapter.Adapter against a CLOB-style REST API
// with EIP-712 order signing, grounded on exec.Client.
type CLOBAdapter struct {
	id                string
	baseURL           string
	verifyingContract string
	chainID           int64

	privateKey *ecdsa.PrivateKey
	address    string
	apiKey     string
	apiSecret  string
	passphrase string

	httpClient *http.Client
}

// NewCLOBAdapter builds a CLOBAdapter from cfg. An empty
// PrivateKeyHex is allowed; the adapter can still be used for
// read-only capabilities (FetchTicker, FetchTime, FetchOpenOrders).
func NewCLOBAdapter(cfg CLOBConfig) (*CLOBAdapter, error) {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	a := &CLOBAdapter{
		id:                cfg.ID,
		baseURL:           cfg.BaseURL,
		verifyingContract: cfg.VerifyingContract,
		chainID:           cfg.ChainID,
		apiKey:            cfg.APIKey,
		apiSecret:         cfg.APISecret,
		passphrase:        cfg.Passphrase,
		httpClient:        &http.Client{Timeout: timeout},
	}

	if cfg.PrivateKeyHex != "" {
		pkHex := strings.TrimPrefix(cfg.PrivateKeyHex, "0x")
		pk, err := crypto.HexToECDSA(pkHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		a.privateKey = pk
		a.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	log.Info().Str("endpoint", a.id).Str("address", a.address).Msg("🚀 exchange adapter initialized")

	return a, nil
}

func (a *CLOBAdapter) ID() string { return a.id }

func (a *CLOBAdapter) Capabilities() Capabilities {
	return Capabilities{
		CreateOrder:     true,
		CancelOrder:     true,
		FetchOrder:      true,
		FetchOpenOrders: true,
		FetchPositions:  true,
		FetchBalance:    true,
		FetchTicker:     true,
		FetchTime:       true,
		FetchMyTrades:   true,
	}
}

// signedOrder is the EIP-712 payload signed before submission.
type signedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

func (a *CLOBAdapter) CreateOrder(ctx context.Context, params CreateOrderParams) (OrderAck, error) {
	order, err := a.buildSignedOrder(params)
	if err != nil {
		return OrderAck{}, fmt.Errorf("build order: %w", err)
	}

	payload := map[string]any{
		"order":         order,
		"owner":         a.apiKey,
		"orderType":     string(params.Type),
		"postOnly":      params.PostOnly,
		"clientOrderId": params.ClientOrderID,
	}

	resp, err := a.post(ctx, "/order", payload)
	if err != nil {
		return OrderAck{}, err
	}

	var result struct {
		OrderID  string          `json:"orderID"`
		Status   string          `json:"status"`
		Filled   decimal.Decimal `json:"filled"`
		Average  decimal.Decimal `json:"average"`
		Fee      decimal.Decimal `json:"fee"`
		ErrorMsg string          `json:"errorMsg"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return OrderAck{}, fmt.Errorf("parse response: %w", err)
	}
	if result.ErrorMsg != "" {
		return OrderAck{}, fmt.Errorf("%s", result.ErrorMsg)
	}

	remaining := params.Amount.Sub(result.Filled)
	return OrderAck{
		RemoteID:  result.OrderID,
		Filled:    result.Filled,
		Remaining: remaining,
		Average:   result.Average,
		Status:    result.Status,
		Fee:       result.Fee,
	}, nil
}

func (a *CLOBAdapter) buildSignedOrder(params CreateOrderParams) (*signedOrder, error) {
	usdcDecimals := decimal.NewFromInt(1_000_000)

	var makerAmount, takerAmount decimal.Decimal
	sideStr := "BUY"
	if params.Side == SideBuy {
		makerAmount = params.Amount.Mul(params.Price).Mul(usdcDecimals).Floor()
		takerAmount = params.Amount.Mul(usdcDecimals).Floor()
	} else {
		sideStr = "SELL"
		makerAmount = params.Amount.Mul(usdcDecimals).Floor()
		takerAmount = params.Amount.Mul(params.Price).Mul(usdcDecimals).Floor()
	}

	order := &signedOrder{
		Salt:        generateSalt(),
		Maker:       a.address,
		Signer:      a.address,
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     params.Symbol,
		MakerAmount: makerAmount.String(),
		TakerAmount: takerAmount.String(),
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		Side:        sideStr,
	}

	sig, err := a.signOrderEIP712(order)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	order.Signature = sig
	return order, nil
}

func (a *CLOBAdapter) signOrderEIP712(order *signedOrder) (string, error) {
	if a.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	domainSeparator := buildDomainSeparator(a.verifyingContract, a.chainID)
	orderHash := buildOrderStructHash(order)

	data := append([]byte("\x19\x01"), domainSeparator[:]...)
	data = append(data, orderHash[:]...)
	finalHash := crypto.Keccak256(data)

	sig, err := crypto.Sign(finalHash, a.privateKey)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

func buildDomainSeparator(contractAddr string, chainID int64) [32]byte {
	domainTypeHash := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	nameHash := crypto.Keccak256([]byte("Order Execution Exchange"))
	versionHash := crypto.Keccak256([]byte("1"))

	chainIDBytes := common.LeftPadBytes(big.NewInt(chainID).Bytes(), 32)
	contractPadded := common.LeftPadBytes(common.HexToAddress(contractAddr).Bytes(), 32)

	var data []byte
	data = append(data, domainTypeHash...)
	data = append(data, nameHash...)
	data = append(data, versionHash...)
	data = append(data, chainIDBytes...)
	data = append(data, contractPadded...)

	hash := crypto.Keccak256(data)
	var result [32]byte
	copy(result[:], hash)
	return result
}

func buildOrderStructHash(order *signedOrder) [32]byte {
	orderTypeHash := crypto.Keccak256([]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))

	sideVal := byte(0)
	if order.Side == "SELL" {
		sideVal = 1
	}

	var data []byte
	data = append(data, orderTypeHash...)
	data = append(data, padUint256(order.Salt)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Maker).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Signer).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Taker).Bytes(), 32)...)
	data = append(data, padUint256(order.TokenID)...)
	data = append(data, padUint256(order.MakerAmount)...)
	data = append(data, padUint256(order.TakerAmount)...)
	data = append(data, padUint256(order.Expiration)...)
	data = append(data, padUint256(order.Nonce)...)
	data = append(data, padUint256(order.FeeRateBps)...)
	data = append(data, common.LeftPadBytes([]byte{sideVal}, 32)...)
	data = append(data, common.LeftPadBytes([]byte{byte(order.SignatureType)}, 32)...)

	hash := crypto.Keccak256(data)
	var result [32]byte
	copy(result[:], hash)
	return result
}

func padUint256(s string) []byte {
	n := new(big.Int)
	n.SetString(s, 10)
	return common.LeftPadBytes(n.Bytes(), 32)
}

func generateSalt() string {
	b := make([]byte, 32)
	rand.Read(b)
	return new(big.Int).SetBytes(b).String()
}

func (a *CLOBAdapter) CancelOrder(ctx context.Context, remoteID, symbol string) error {
	_, err := a.deleteWithBody(ctx, "/order", map[string]string{"orderID": remoteID, "symbol": symbol})
	if err != nil && !isAlreadyGone(err) {
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

func isAlreadyGone(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "already") || strings.Contains(msg, "filled")
}

func (a *CLOBAdapter) FetchOrder(ctx context.Context, remoteID, symbol string) (OrderStatus, error) {
	resp, err := a.get(ctx, fmt.Sprintf("/order/%s?symbol=%s", remoteID, symbol))
	if err != nil {
		return OrderStatus{}, err
	}
	var result OrderStatus
	if err := json.Unmarshal(resp, &result); err != nil {
		return OrderStatus{}, fmt.Errorf("parse response: %w", err)
	}
	return result, nil
}

func (a *CLOBAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	path := "/orders?status=live"
	if symbol != "" {
		path += "&symbol=" + symbol
	}
	resp, err := a.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var orders []OpenOrder
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return orders, nil
}

func (a *CLOBAdapter) FetchPositions(ctx context.Context) ([]Position, error) {
	resp, err := a.get(ctx, "/positions")
	if err != nil {
		return nil, err
	}
	var positions []Position
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return positions, nil
}

func (a *CLOBAdapter) FetchBalance(ctx context.Context) ([]Balance, error) {
	resp, err := a.get(ctx, "/balance-allowance?asset_type=COLLATERAL")
	if err != nil {
		return nil, err
	}
	var balances []Balance
	if err := json.Unmarshal(resp, &balances); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return balances, nil
}

func (a *CLOBAdapter) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	resp, err := a.get(ctx, "/ticker?symbol="+symbol)
	if err != nil {
		return Ticker{}, err
	}
	var t Ticker
	if err := json.Unmarshal(resp, &t); err != nil {
		return Ticker{}, fmt.Errorf("parse response: %w", err)
	}
	return t, nil
}

func (a *CLOBAdapter) FetchTime(ctx context.Context) (time.Time, error) {
	resp, err := a.get(ctx, "/time")
	if err != nil {
		return time.Time{}, err
	}
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return time.Time{}, fmt.Errorf("parse response: %w", err)
	}
	return time.UnixMilli(result.ServerTime), nil
}

func (a *CLOBAdapter) FetchMyTrades(ctx context.Context, symbol string) ([]Trade, error) {
	path := "/trades"
	if symbol != "" {
		path += "?symbol=" + symbol
	}
	resp, err := a.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var trades []Trade
	if err := json.Unmarshal(resp, &trades); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return trades, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS: grounded on exec.Client's get/post/delete/addHeaders
// ═══════════════════════════════════════════════════════════════════════════════

func (a *CLOBAdapter) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	a.addHeaders(req)
	return a.doRequest(req)
}

func (a *CLOBAdapter) post(ctx context.Context, path string, body any) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.addHeaders(req)
	return a.doRequest(req)
}

func (a *CLOBAdapter) deleteWithBody(ctx context.Context, path string, body any) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.addHeaders(req)
	return a.doRequest(req)
}

func (a *CLOBAdapter) addHeaders(req *http.Request) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("API-ADDRESS", a.address)
	req.Header.Set("API-KEY", a.apiKey)
	req.Header.Set("API-TIMESTAMP", timestamp)
	req.Header.Set("API-PASSPHRASE", a.passphrase)

	if a.apiSecret != "" {
		message := timestamp + req.Method + req.URL.Path
		if req.Body != nil {
			bodyBytes, _ := io.ReadAll(req.Body)
			req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			if len(bodyBytes) > 0 {
				message += string(bodyBytes)
			}
		}
		req.Header.Set("API-SIGNATURE", a.hmacSign(message))
	}
}

func (a *CLOBAdapter) hmacSign(message string) string {
	key, err := base64.URLEncoding.DecodeString(a.apiSecret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(a.apiSecret)
		if err != nil {
			key = []byte(a.apiSecret)
		}
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func (a *CLOBAdapter) doRequest(req *http.Request) ([]byte, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
