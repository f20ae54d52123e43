package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rebalancer/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*KISBroker)(nil)

// KIS OpenAPI endpoints. The paper-trading ("mock") domain accepts the same
// request shapes as production but uses VTTC-prefixed transaction IDs.
const (
	kisMockBaseURL = "https://openapivts.koreainvestment.com:29443"
	kisLiveBaseURL = "https://openapi.koreainvestment.com:9443"

	pathToken       = "/oauth2/tokenP"
	pathQuote       = "/uapi/domestic-stock/v1/quotations/inquire-price"
	pathBalance     = "/uapi/domestic-stock/v1/trading/inquire-balance"
	pathOrderCash   = "/uapi/domestic-stock/v1/trading/order-cash"
	pathOrderStatus = "/uapi/domestic-stock/v1/trading/inquire-daily-ccld"

	trQuote = "FHKST01010100"
)

// Token renewal margin: renew when less than this remains before expiry.
const tokenRenewMargin = 5 * time.Minute

// KIS keys daily-execution queries by the exchange's trading date, which is
// KST regardless of where this process runs.
var seoulTime = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}()

// kisDate formats t as the KIS trading date (YYYYMMDD in KST).
func kisDate(t time.Time) string {
	return t.In(seoulTime).Format("20060102")
}

// KISConfig configures a KISBroker session.
type KISConfig struct {
	AppKey    string
	AppSecret string
	AccountNo string // "CANO-ACNT_PRDT_CD", e.g. "12345678-01"
	BaseURL   string // empty selects the standard domain for the mode
	Mock      bool   // paper-trading account

	// Published API ceilings. Zero values take the paper-trading defaults.
	RequestsPerSec int
	RequestsPerMin int

	Timeout time.Duration // per-request HTTP timeout
}

// KISBroker implements Broker against the Korea Investment & Securities
// OpenAPI. It owns the access-token lifecycle and enforces the published
// request ceilings with token-bucket limiters; callers block until capacity
// is available.
type KISBroker struct {
	cfg        KISConfig
	cano       string
	acntPrdtCd string
	baseURL    string
	httpClient *http.Client

	secLimit *rate.Limiter
	minLimit *rate.Limiter

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	log *slog.Logger
}

// NewKISBroker creates a session for the given account. The account number
// must be in "CANO-ACNT_PRDT_CD" form. No network call is made until the
// first request.
func NewKISBroker(cfg KISConfig) (*KISBroker, error) {
	parts := strings.Split(cfg.AccountNo, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("malformed account number %q (want CANO-ACNT_PRDT_CD)", cfg.AccountNo)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Mock {
			baseURL = kisMockBaseURL
		} else {
			baseURL = kisLiveBaseURL
		}
	}

	perSec := cfg.RequestsPerSec
	if perSec <= 0 {
		perSec = 2 // paper-trading ceiling
	}
	perMin := cfg.RequestsPerMin
	if perMin <= 0 {
		perMin = 60
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &KISBroker{
		cfg:        cfg,
		cano:       parts[0],
		acntPrdtCd: parts[1],
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		secLimit:   rate.NewLimiter(rate.Limit(perSec), perSec),
		minLimit:   rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		log:        slog.Default().With("broker", "kis"),
	}, nil
}

// Name returns "kis".
func (b *KISBroker) Name() string { return "kis" }

// trID returns the mode-appropriate transaction ID: VTTC for the
// paper-trading domain, TTTC for production.
func (b *KISBroker) trID(suffix string) string {
	if b.cfg.Mock {
		return "VTTC" + suffix
	}
	return "TTTC" + suffix
}

// ---------------------------------------------------------------------------
// Token lifecycle
// ---------------------------------------------------------------------------

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ensureToken returns a valid access token, issuing or renewing one when the
// cached token is missing or inside the renewal margin.
func (b *KISBroker) ensureToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && time.Until(b.tokenExpiry) > tokenRenewMargin {
		return b.token, nil
	}
	return b.issueTokenLocked(ctx)
}

// invalidateToken drops the cached token so the next request re-issues.
func (b *KISBroker) invalidateToken() {
	b.mu.Lock()
	b.token = ""
	b.mu.Unlock()
}

func (b *KISBroker) issueTokenLocked(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     b.cfg.AppKey,
		"appsecret":  b.cfg.AppSecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+pathToken, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: issuing token: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrAuthFailure, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuthFailure)
	}

	b.token = tok.AccessToken
	b.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	b.log.Info("access token issued", "expires_at", b.tokenExpiry)
	return b.token, nil
}

// ---------------------------------------------------------------------------
// Request primitive
// ---------------------------------------------------------------------------

// do performs one rate-limited, authenticated request and decodes the JSON
// response into out. HTTP status codes map onto the error taxonomy; a 401
// triggers exactly one token renewal before surfacing ErrAuthFailure.
func (b *KISBroker) do(ctx context.Context, method, path, trID string, query url.Values, body any, out any) error {
	if err := b.secLimit.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for per-second limit: %w", err)
	}
	if err := b.minLimit.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for per-minute limit: %w", err)
	}

	status, err := b.send(ctx, method, path, trID, query, body, out)
	if status == http.StatusUnauthorized {
		// Token may have been revoked server-side; renew once and resend.
		b.invalidateToken()
		status, err = b.send(ctx, method, path, trID, query, body, out)
		if status == http.StatusUnauthorized {
			return fmt.Errorf("%w: request unauthorized after token renewal", ErrAuthFailure)
		}
	}
	return err
}

func (b *KISBroker) send(ctx context.Context, method, path, trID string, query url.Values, body any, out any) (int, error) {
	token, err := b.ensureToken(ctx)
	if err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	u := b.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("appkey", b.cfg.AppKey)
	req.Header.Set("appsecret", b.cfg.AppSecret)
	req.Header.Set("tr_id", trID)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, fmt.Errorf("%w: %s returned 401", ErrAuthFailure, path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, fmt.Errorf("%w: %s returned 429", ErrRateLimited, path)
	case resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("%w: %s returned %d", ErrTransient, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return resp.StatusCode, fmt.Errorf("%w: %s returned %d", ErrRejected, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

// kisFloat parses the string-encoded numbers KIS returns. Empty strings
// decode to zero.
func kisFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func kisInt(s string) int64 {
	return int64(kisFloat(s))
}

// ---------------------------------------------------------------------------
// Broker operations
// ---------------------------------------------------------------------------

type quoteResponse struct {
	RtCd   string `json:"rt_cd"`
	Msg1   string `json:"msg1"`
	Output struct {
		StckPrpr string `json:"stck_prpr"` // current price
	} `json:"output"`
}

// Quote returns the current price for the asset.
func (b *KISBroker) Quote(ctx context.Context, assetID string) (float64, error) {
	if !domain.ValidAssetCode(assetID) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAsset, assetID)
	}

	query := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {assetID},
	}

	var out quoteResponse
	if err := b.do(ctx, http.MethodGet, pathQuote, trQuote, query, nil, &out); err != nil {
		return 0, err
	}
	if out.RtCd != "0" {
		return 0, fmt.Errorf("%w: quote %s: %s", ErrRejected, assetID, out.Msg1)
	}

	price := kisFloat(out.Output.StckPrpr)
	if price <= 0 {
		return 0, fmt.Errorf("%w: quote %s: zero price", ErrRejected, assetID)
	}
	return price, nil
}

type balanceResponse struct {
	RtCd    string `json:"rt_cd"`
	Msg1    string `json:"msg1"`
	Output1 []struct {
		Pdno        string `json:"pdno"`          // asset code
		PrdtName    string `json:"prdt_name"`     // asset name
		HldgQty     string `json:"hldg_qty"`      // held quantity
		PchsAvgPric string `json:"pchs_avg_pric"` // average purchase price
		Prpr        string `json:"prpr"`          // current price
	} `json:"output1"`
	Output2 []struct {
		DncaTotAmt string `json:"dnca_tot_amt"` // total deposit (cash)
	} `json:"output2"`
}

// Balance returns settled cash and positions, including the brokerage's
// last price for each held asset.
func (b *KISBroker) Balance(ctx context.Context) (*Balance, error) {
	query := url.Values{
		"CANO":                  {b.cano},
		"ACNT_PRDT_CD":          {b.acntPrdtCd},
		"AFHR_FLPR_YN":          {"N"},
		"OFL_YN":                {""},
		"INQR_DVSN":             {"02"},
		"UNPR_DVSN":             {"01"},
		"FUND_STTL_ICLD_YN":     {"N"},
		"FNCG_AMT_AUTO_RDPT_YN": {"N"},
		"PRCS_DVSN":             {"01"},
		"CTX_AREA_FK100":        {""},
		"CTX_AREA_NK100":        {""},
	}

	var out balanceResponse
	if err := b.do(ctx, http.MethodGet, pathBalance, b.trID("8434R"), query, nil, &out); err != nil {
		return nil, err
	}
	if out.RtCd != "0" {
		return nil, fmt.Errorf("%w: balance: %s", ErrRejected, out.Msg1)
	}

	bal := &Balance{
		Holdings: make(map[string]domain.Holding),
		Prices:   make(map[string]float64),
	}
	if len(out.Output2) > 0 {
		bal.Cash = kisFloat(out.Output2[0].DncaTotAmt)
	}
	for _, item := range out.Output1 {
		shares := kisInt(item.HldgQty)
		if shares <= 0 {
			continue
		}
		bal.Holdings[item.Pdno] = domain.Holding{
			AssetID:   item.Pdno,
			Name:      item.PrdtName,
			Shares:    shares,
			CostBasis: kisFloat(item.PchsAvgPric),
		}
		if p := kisFloat(item.Prpr); p > 0 {
			bal.Prices[item.Pdno] = p
		}
	}
	return bal, nil
}

type orderResponse struct {
	RtCd   string `json:"rt_cd"`
	Msg1   string `json:"msg1"`
	Output struct {
		Odno   string `json:"ODNO"`    // order number
		OrdTmd string `json:"ORD_TMD"` // order time HHMMSS
	} `json:"output"`
}

// SubmitOrder submits a market order. Sell and buy use distinct transaction
// IDs on the same cash-order endpoint.
func (b *KISBroker) SubmitOrder(ctx context.Context, intent domain.OrderIntent) (*OrderAck, error) {
	if !domain.ValidAssetCode(intent.AssetID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAsset, intent.AssetID)
	}
	if intent.Shares <= 0 {
		return nil, fmt.Errorf("%w: non-positive share count %d", ErrRejected, intent.Shares)
	}

	var trID string
	switch intent.Side {
	case domain.SideBuy:
		trID = b.trID("0802U")
	case domain.SideSell:
		trID = b.trID("0801U")
	default:
		return nil, fmt.Errorf("%w: unknown side %q", ErrRejected, intent.Side)
	}

	body := map[string]string{
		"CANO":         b.cano,
		"ACNT_PRDT_CD": b.acntPrdtCd,
		"PDNO":         intent.AssetID,
		"ORD_DVSN":     "01", // market order
		"ORD_QTY":      strconv.FormatInt(intent.Shares, 10),
		"ORD_UNPR":     "0",
	}

	var out orderResponse
	if err := b.do(ctx, http.MethodPost, pathOrderCash, trID, nil, body, &out); err != nil {
		return nil, err
	}
	if out.RtCd != "0" {
		return nil, fmt.Errorf("%w: %s %s x%d: %s", ErrRejected, intent.Side, intent.AssetID, intent.Shares, out.Msg1)
	}

	b.log.Info("order accepted",
		"side", intent.Side, "asset", intent.AssetID, "shares", intent.Shares, "order_id", out.Output.Odno)
	return &OrderAck{BrokerOrderID: out.Output.Odno, SubmittedAt: time.Now()}, nil
}

type orderStatusResponse struct {
	RtCd    string `json:"rt_cd"`
	Msg1    string `json:"msg1"`
	Output1 []struct {
		Odno       string `json:"odno"`
		OrdQty     string `json:"ord_qty"`      // ordered quantity
		TotCcldQty string `json:"tot_ccld_qty"` // total filled quantity
		TotCcldAmt string `json:"tot_ccld_amt"` // total filled amount
		RmnQty     string `json:"rmn_qty"`      // remaining quantity
	} `json:"output1"`
}

// OrderStatus looks up today's execution record for the given order number.
func (b *KISBroker) OrderStatus(ctx context.Context, brokerOrderID string) (*OrderFill, error) {
	today := kisDate(time.Now())
	query := url.Values{
		"CANO":            {b.cano},
		"ACNT_PRDT_CD":    {b.acntPrdtCd},
		"INQR_STRT_DT":    {today},
		"INQR_END_DT":     {today},
		"SLL_BUY_DVSN_CD": {"00"},
		"INQR_DVSN":       {"00"},
		"PDNO":            {""},
		"CCLD_DVSN":       {"00"},
		"ORD_GNO_BRNO":    {""},
		"ODNO":            {brokerOrderID},
		"INQR_DVSN_3":     {"00"},
		"INQR_DVSN_1":     {""},
		"CTX_AREA_FK100":  {""},
		"CTX_AREA_NK100":  {""},
	}

	var out orderStatusResponse
	if err := b.do(ctx, http.MethodGet, pathOrderStatus, b.trID("8001R"), query, nil, &out); err != nil {
		return nil, err
	}
	if out.RtCd != "0" {
		return nil, fmt.Errorf("%w: order status %s: %s", ErrRejected, brokerOrderID, out.Msg1)
	}

	fill := &OrderFill{}
	for _, row := range out.Output1 {
		if row.Odno != brokerOrderID {
			continue
		}
		fill.FilledShares = kisInt(row.TotCcldQty)
		fill.Remaining = kisInt(row.RmnQty)
		if fill.FilledShares > 0 {
			fill.FillPrice = kisFloat(row.TotCcldAmt) / float64(fill.FilledShares)
		}
		return fill, nil
	}
	return nil, fmt.Errorf("%w: order %s not found in today's executions", ErrRejected, brokerOrderID)
}
