package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"perpbot/pkg/ratelimit"
	"perpbot/pkg/retry"
	"perpbot/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	okxDefaultBaseURL = "https://www.okx.com"
	okxMarginMode     = "cross"

	// Коды ответа OKX v5
	codeOK               = "0"
	codeRateLimited      = "50011"
	codeSystemBusy       = "50013"
	codePositionNotExist = "51023"
)

// OKXConfig - параметры клиента OKX
type OKXConfig struct {
	BaseURL    string
	APIKey     string
	SecretKey  string
	Passphrase string
	Demo       bool // торговля на демо-счёте (x-simulated-trading: 1)
	HTTP       HTTPClientConfig
}

// OKX - клиент REST API v5 для бессрочных контрактов (режим long/short, cross маржа)
type OKX struct {
	baseURL    string
	apiKey     string
	secretKey  string
	passphrase string
	demo       bool

	httpClient *HTTPClient
	limiter    *ratelimit.MultiLimiter
	now        func() time.Time
}

// NewOKX создаёт клиент OKX
func NewOKX(cfg OKXConfig) *OKX {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = okxDefaultBaseURL
	}
	httpCfg := cfg.HTTP
	if httpCfg.TotalTimeout == 0 {
		httpCfg = DefaultHTTPClientConfig()
	}

	return &OKX{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		passphrase: cfg.Passphrase,
		demo:       cfg.Demo,
		httpClient: NewHTTPClient(httpCfg),
		limiter:    ratelimit.NewOKXLimiter(),
		now:        time.Now,
	}
}

// okxResponse - общий конверт ответа OKX
type okxResponse struct {
	Code string              `json:"code"`
	Msg  string              `json:"msg"`
	Data jsoniter.RawMessage `json:"data"`
}

// sign вычисляет подпись: base64(HMAC-SHA256(secret, ts + method + path + body))
func (o *OKX) sign(timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(o.secretKey))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// doRequest выполняет запрос и возвращает поле data ответа
func (o *OKX) doRequest(ctx context.Context, category, method, endpoint string, query url.Values, payload interface{}, signed bool) (jsoniter.RawMessage, error) {
	if err := o.limiter.Wait(ctx, category); err != nil {
		return nil, err
	}

	requestPath := endpoint
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var body string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("okx: marshal %s: %w", endpoint, err)
		}
		body = string(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+requestPath, bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		ts := o.now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", o.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", o.sign(ts, method, requestPath, body))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)
	}
	if o.demo {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Temporary(&ExchangeError{Exchange: "okx", Message: "request " + endpoint + " failed", Original: err})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Temporary(&ExchangeError{Exchange: "okx", Message: "read body", Original: err})
	}

	var env okxResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ExchangeError{
			Exchange:   "okx",
			Message:    fmt.Sprintf("bad response from %s (http %d)", endpoint, resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Original:   err,
		}
	}

	if resp.StatusCode != http.StatusOK || env.Code != codeOK {
		return env.Data, &ExchangeError{
			Exchange:   "okx",
			Code:       env.Code,
			Message:    env.Msg,
			HTTPStatus: resp.StatusCode,
		}
	}

	return env.Data, nil
}

// GetName возвращает имя биржи
func (o *OKX) GetName() string {
	return "okx"
}

// GetPrice получает последнюю цену
func (o *OKX) GetPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	data, err := o.doRequest(ctx, ratelimit.CategoryMarket, http.MethodGet, "/api/v5/market/ticker",
		url.Values{"instId": {instrument}}, nil, false)
	if err != nil {
		return decimal.Zero, err
	}

	var tickers []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	}
	if err := json.Unmarshal(data, &tickers); err != nil {
		return decimal.Zero, fmt.Errorf("okx: parse ticker: %w", err)
	}
	if len(tickers) == 0 {
		return decimal.Zero, &ExchangeError{Exchange: "okx", Message: "empty ticker for " + instrument}
	}

	return decimal.NewFromString(tickers[0].Last)
}

// GetCandles получает свечи; OKX возвращает их от новой к старой:
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]
func (o *OKX) GetCandles(ctx context.Context, instrument, bar string, limit int) ([]Candle, error) {
	query := url.Values{
		"instId": {instrument},
		"bar":    {bar},
		"limit":  {strconv.Itoa(limit)},
	}
	data, err := o.doRequest(ctx, ratelimit.CategoryMarket, http.MethodGet, "/api/v5/market/candles", query, nil, false)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("okx: parse candles: %w", err)
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseOKXCandle(row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseOKXCandle(row []string) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("okx: candle row has %d fields", len(row))
	}

	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("okx: candle ts %q: %w", row[0], err)
	}

	var vals [5]decimal.Decimal
	for i := 0; i < 5; i++ {
		v, err := decimal.NewFromString(row[i+1])
		if err != nil {
			return Candle{}, fmt.Errorf("okx: candle field %d %q: %w", i+1, row[i+1], err)
		}
		vals[i] = v
	}

	confirmed := true
	if len(row) >= 9 {
		confirmed = row[8] == "1"
	}

	return Candle{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Confirmed: confirmed,
	}, nil
}

// GetTakerVolume получает объёмы taker покупок и продаж по периодам, от нового к старому:
// [ts, buyVol, sellVol]
func (o *OKX) GetTakerVolume(ctx context.Context, instrument, period string, limit int) ([]TakerVolume, error) {
	query := url.Values{
		"instId": {instrument},
		"period": {period},
		"limit":  {strconv.Itoa(limit)},
	}
	data, err := o.doRequest(ctx, ratelimit.CategoryMarket, http.MethodGet, "/api/v5/market/history-taker-volume", query, nil, false)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("okx: parse taker volume: %w", err)
	}

	out := make([]TakerVolume, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("okx: taker volume row has %d fields", len(row))
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("okx: taker volume ts %q: %w", row[0], err)
		}
		buy, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, fmt.Errorf("okx: taker buy volume %q: %w", row[1], err)
		}
		sell, err := decimal.NewFromString(row[2])
		if err != nil {
			return nil, fmt.Errorf("okx: taker sell volume %q: %w", row[2], err)
		}
		out = append(out, TakerVolume{Timestamp: ts, BuyVolume: buy, SellVolume: sell})
	}
	return out, nil
}

// GetPosition получает открытую позицию по инструменту; nil если позиции нет
func (o *OKX) GetPosition(ctx context.Context, instrument string) (*Position, error) {
	query := url.Values{"instType": {"SWAP"}, "instId": {instrument}}
	data, err := o.doRequest(ctx, ratelimit.CategoryAccount, http.MethodGet, "/api/v5/account/positions", query, nil, true)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		InstID   string `json:"instId"`
		PosSide  string `json:"posSide"`
		Pos      string `json:"pos"`
		AvgPx    string `json:"avgPx"`
		MarkPx   string `json:"markPx"`
		UplRatio string `json:"uplRatio"`
		Lever    string `json:"lever"`
		UTime    string `json:"uTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("okx: parse positions: %w", err)
	}

	for _, r := range rows {
		if r.InstID != instrument {
			continue
		}
		size, err := decimal.NewFromString(r.Pos)
		if err != nil || size.IsZero() {
			continue
		}

		side := r.PosSide
		if side == "net" {
			side = SideLong
			if size.IsNegative() {
				side = SideShort
			}
		}
		size = size.Abs()

		entry, _ := decimal.NewFromString(r.AvgPx)
		mark, _ := decimal.NewFromString(r.MarkPx)
		uplRatio, _ := strconv.ParseFloat(r.UplRatio, 64)
		lever, _ := strconv.ParseFloat(r.Lever, 64)
		uTime, _ := strconv.ParseInt(r.UTime, 10, 64)

		return &Position{
			Instrument:       instrument,
			Side:             side,
			Size:             size,
			EntryPrice:       entry,
			MarkPrice:        mark,
			Leverage:         int(lever),
			UnrealizedPnlPct: utils.ProfitPct(side, entry, mark),
			MarginPnlPct:     uplRatio * 100,
			UpdatedAt:        time.UnixMilli(uTime),
		}, nil
	}

	return nil, nil
}

// PlaceMarketOrder размещает рыночный ордер; цену исполнения запрашивает отдельно (best effort)
func (o *OKX) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	payload := map[string]interface{}{
		"instId":  req.Instrument,
		"tdMode":  okxMarginMode,
		"side":    req.Side,
		"posSide": req.PosSide,
		"ordType": "market",
		"sz":      req.Size.String(),
	}
	if req.ClientOrderID != "" {
		payload["clOrdId"] = req.ClientOrderID
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}

	data, err := o.doRequest(ctx, ratelimit.CategoryTrade, http.MethodPost, "/api/v5/trade/order", nil, payload, true)

	var results []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &results)
	}

	if err != nil {
		// детальная причина отказа лежит в data[0].sMsg
		if len(results) > 0 && results[0].SCode != "" && results[0].SCode != codeOK {
			if exErr, ok := err.(*ExchangeError); ok {
				exErr.Code = results[0].SCode
				exErr.Message = results[0].SMsg
			}
		}
		return nil, err
	}
	if len(results) == 0 {
		return nil, &ExchangeError{Exchange: "okx", Message: "empty order response"}
	}

	order := &Order{
		ID:            results[0].OrdID,
		ClientOrderID: results[0].ClOrdID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		PosSide:       req.PosSide,
		Size:          req.Size,
		Status:        OrderStatusAccepted,
		CreatedAt:     o.now(),
	}

	if avgPx, state, err := o.getOrderFill(ctx, req.Instrument, order.ID); err == nil {
		order.AvgPrice = avgPx
		if state == "filled" {
			order.Status = OrderStatusFilled
		}
	}

	return order, nil
}

// getOrderFill получает среднюю цену исполнения ордера
func (o *OKX) getOrderFill(ctx context.Context, instrument, ordID string) (decimal.Decimal, string, error) {
	query := url.Values{"instId": {instrument}, "ordId": {ordID}}
	data, err := o.doRequest(ctx, ratelimit.CategoryTrade, http.MethodGet, "/api/v5/trade/order", query, nil, true)
	if err != nil {
		return decimal.Zero, "", err
	}

	var rows []struct {
		AvgPx string `json:"avgPx"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return decimal.Zero, "", fmt.Errorf("okx: parse order details: %v", err)
	}

	avg, err := decimal.NewFromString(rows[0].AvgPx)
	if err != nil {
		return decimal.Zero, rows[0].State, err
	}
	return avg, rows[0].State, nil
}

// ClosePosition закрывает позицию целиком через /trade/close-position.
// Код 51023 ("позиция не существует") считается успехом.
func (o *OKX) ClosePosition(ctx context.Context, instrument, posSide string) error {
	payload := map[string]interface{}{
		"instId":  instrument,
		"mgnMode": okxMarginMode,
		"posSide": posSide,
	}

	_, err := o.doRequest(ctx, ratelimit.CategoryTrade, http.MethodPost, "/api/v5/trade/close-position", nil, payload, true)
	if err != nil {
		if exErr, ok := err.(*ExchangeError); ok && exErr.Code == codePositionNotExist {
			return nil
		}
		return err
	}
	return nil
}

// GetBalance получает equity по валюте
func (o *OKX) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	data, err := o.doRequest(ctx, ratelimit.CategoryAccount, http.MethodGet, "/api/v5/account/balance",
		url.Values{"ccy": {currency}}, nil, true)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBalanceUnavailable, err)
	}

	var accounts []struct {
		Details []struct {
			Ccy     string `json:"ccy"`
			Eq      string `json:"eq"`
			CashBal string `json:"cashBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBalanceUnavailable, err)
	}

	for _, acc := range accounts {
		for _, d := range acc.Details {
			if d.Ccy != currency {
				continue
			}
			if eq, err := decimal.NewFromString(d.Eq); err == nil {
				return eq, nil
			}
			if cash, err := decimal.NewFromString(d.CashBal); err == nil {
				return cash, nil
			}
		}
	}

	return decimal.Zero, ErrBalanceUnavailable
}

// SetLeverage устанавливает плечо для инструмента (cross маржа)
func (o *OKX) SetLeverage(ctx context.Context, instrument string, leverage int) error {
	payload := map[string]interface{}{
		"instId":  instrument,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": okxMarginMode,
	}
	_, err := o.doRequest(ctx, ratelimit.CategoryAccount, http.MethodPost, "/api/v5/account/set-leverage", nil, payload, true)
	return err
}

// Close закрывает соединения
func (o *OKX) Close() error {
	o.httpClient.Close()
	return nil
}
