// Package mes is the typed HTTP client for the manufacturing-execution
// backend. It holds a bearer token and the empresa-id header; it never
// retries on its own — retry policy belongs to the replicator.
package mes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	sisproone "github.com/salvadorguc/sisproone-micro"
)

// Error kinds. Every operation surfaces at most one of these (wrapped), and
// callers branch with errors.Is.
var (
	ErrAuthExpired = errors.New("mes: auth expired")
	ErrNotFound    = errors.New("mes: not found")
	ErrTransient   = errors.New("mes: transient failure")
	ErrPermanent   = errors.New("mes: permanent rejection")
)

const (
	defaultTimeout = 10 * time.Second
	uploadTimeout  = 30 * time.Second
)

// Client talks to the MES. Safe for concurrent use; the token is refreshed
// by a single writer (the replicator) while other callers read it.
type Client struct {
	baseURL   string
	username  string
	password  string
	companyID int
	http      *http.Client

	mu    sync.RWMutex
	token string
}

func New(baseURL, username, password string, companyID int) *Client {
	return &Client{
		baseURL:   baseURL,
		username:  username,
		password:  password,
		companyID: companyID,
		http:      &http.Client{},
	}
}

// Token returns the current bearer token, empty before Authenticate.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Token   string          `json:"token"`
	Data    json.RawMessage `json:"data"`
}

// Authenticate obtains a fresh bearer token. Called on boot and by the
// replicator when a call reports ErrAuthExpired.
func (c *Client) Authenticate(ctx context.Context) error {
	body := map[string]string{"username": c.username, "password": c.password}
	env, err := c.do(ctx, http.MethodPost, "/api/auth/login_local", nil, body, false, defaultTimeout)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if env.Token == "" {
		return fmt.Errorf("authenticate: %w: empty token", ErrPermanent)
	}

	c.mu.Lock()
	c.token = env.Token
	c.mu.Unlock()
	return nil
}

type stationDTO struct {
	ID          int    `json:"id"`
	Name        string `json:"nombre"`
	Description string `json:"descripcion"`
}

// ListStations returns the work stations registered for the company.
func (c *Client) ListStations(ctx context.Context) ([]sisproone.Station, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/estacionesTrabajo", nil, nil, true, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	var dtos []stationDTO
	if err := json.Unmarshal(env.Data, &dtos); err != nil {
		return nil, fmt.Errorf("list stations: %w: %v", ErrPermanent, err)
	}
	stations := make([]sisproone.Station, len(dtos))
	for i, d := range dtos {
		stations[i] = sisproone.Station{ID: d.ID, Name: d.Name, Description: d.Description}
	}
	return stations, nil
}

type orderDTO struct {
	ID              int    `json:"id"`
	Code            string `json:"ordenFabricacion"`
	ProductCode     string `json:"producto"`
	ProductUPC      string `json:"ptUPC"`
	QuantityTarget  int    `json:"cantidadFabricar"`
	QuantityPending int    `json:"cantidadPendiente"`
	Closed          bool   `json:"cerrada"`
	Priority        string `json:"prioridad"`
}

func (d orderDTO) domain() sisproone.Order {
	return sisproone.Order{
		ID:              d.ID,
		Code:            d.Code,
		ProductCode:     d.ProductCode,
		ProductUPC:      d.ProductUPC,
		QuantityTarget:  d.QuantityTarget,
		QuantityPending: d.QuantityPending,
		Closed:          d.Closed,
		Priority:        d.Priority,
	}
}

// ListAssignedOrders returns the orders assigned to a station. Never used
// authoritatively for progress; GetOrderProgress is.
func (c *Client) ListAssignedOrders(ctx context.Context, stationID int) ([]sisproone.Order, error) {
	q := url.Values{"estacionTrabajoId": {strconv.Itoa(stationID)}}
	env, err := c.do(ctx, http.MethodGet, "/api/ordenesDeFabricacion/listarAsignadas", q, nil, true, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("list assigned orders: %w", err)
	}
	var dtos []orderDTO
	if err := json.Unmarshal(env.Data, &dtos); err != nil {
		return nil, fmt.Errorf("list assigned orders: %w: %v", ErrPermanent, err)
	}
	orders := make([]sisproone.Order, len(dtos))
	for i, d := range dtos {
		orders[i] = d.domain()
	}
	return orders, nil
}

type recipeDTO struct {
	OrderDocNum int    `json:"orden"`
	Status      string `json:"estatus"`
	Components  []struct {
		Code        string  `json:"codigo"`
		Description string  `json:"descripcion"`
		Quantity    float64 `json:"cantidad"`
	} `json:"componentes"`
}

// GetOrderRecipe fetches the advisory recipe document for an order.
func (c *Client) GetOrderRecipe(ctx context.Context, orderDocNum int) (sisproone.Recipe, error) {
	q := url.Values{"orden": {strconv.Itoa(orderDocNum)}}
	env, err := c.do(ctx, http.MethodGet, "/api/ordenesDeFabricacion/estatus", q, nil, true, defaultTimeout)
	if err != nil {
		return sisproone.Recipe{}, fmt.Errorf("get order recipe: %w", err)
	}
	var dto recipeDTO
	if err := json.Unmarshal(env.Data, &dto); err != nil {
		return sisproone.Recipe{}, fmt.Errorf("get order recipe: %w: %v", ErrPermanent, err)
	}
	rec := sisproone.Recipe{OrderDocNum: dto.OrderDocNum, Status: dto.Status}
	for _, comp := range dto.Components {
		rec.Components = append(rec.Components, sisproone.RecipeComponent{
			Code: comp.Code, Description: comp.Description, Quantity: comp.Quantity,
		})
	}
	return rec, nil
}

type progressDTO struct {
	QuantityPending int     `json:"cantidadPendiente"`
	ProgressRatio   float64 `json:"porcentajeAvance"`
}

// GetOrderProgress reads the MES's authoritative view of an order's advance.
func (c *Client) GetOrderProgress(ctx context.Context, orderCode string) (sisproone.OrderProgress, error) {
	q := url.Values{"ordenFabricacion": {orderCode}}
	env, err := c.do(ctx, http.MethodGet, "/api/ordenesDeFabricacion/avance", q, nil, true, defaultTimeout)
	if err != nil {
		return sisproone.OrderProgress{}, fmt.Errorf("get order progress: %w", err)
	}
	var dto progressDTO
	if err := json.Unmarshal(env.Data, &dto); err != nil {
		return sisproone.OrderProgress{}, fmt.Errorf("get order progress: %w: %v", ErrPermanent, err)
	}
	return sisproone.OrderProgress{QuantityPending: dto.QuantityPending, ProgressRatio: dto.ProgressRatio}, nil
}

// UploadError identifies the increment a failed upload stopped at, so the
// replicator can poison exactly that row on a permanent rejection.
type UploadError struct {
	Seq int64
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload increment seq %d: %v", e.Seq, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

type uploadDTO struct {
	OrderCode   string `json:"ordenFabricacion"`
	UPC         string `json:"upc"`
	StationID   int    `json:"estacionId"`
	UserID      int    `json:"usuarioId"`
	Quantity    int    `json:"cantidad"`
	Fingerprint string `json:"fingerprint"`
	OccurredAt  string `json:"timestamp"`
	Source      string `json:"fuente"`
}

// UploadIncrements posts increments in the given (seq) order and returns how
// many were accepted. The MES dedupes on fingerprint, so re-sending an
// already-delivered increment is safe. On failure the error is an
// *UploadError naming the increment that stopped the batch; the accepted
// count covers the prefix before it.
func (c *Client) UploadIncrements(ctx context.Context, batch []sisproone.Increment) (int, error) {
	for i, inc := range batch {
		dto := uploadDTO{
			OrderCode:   inc.OrderCode,
			UPC:         inc.UPC,
			StationID:   inc.StationID,
			UserID:      inc.UserID,
			Quantity:    inc.Quantity,
			Fingerprint: inc.Fingerprint,
			OccurredAt:  inc.OccurredAt.UTC().Format(time.RFC3339),
			Source:      string(inc.Source),
		}
		if _, err := c.do(ctx, http.MethodPost, "/api/lecturaUPC/registrar", nil, dto, true, uploadTimeout); err != nil {
			return i, &UploadError{Seq: inc.Seq, Err: err}
		}
	}
	return len(batch), nil
}

// RecomputeProgress re-reads an order's progress after an upload pass. The
// MES updates ordenEstacion synchronously on registration, so a read is all
// the recomputation the gateway needs.
func (c *Client) RecomputeProgress(ctx context.Context, orderCode string, stationID int) (sisproone.OrderProgress, error) {
	_ = stationID // progress is per order; the station param is kept for endpoint parity
	return c.GetOrderProgress(ctx, orderCode)
}

// CloseOrder closes an order at a station.
func (c *Client) CloseOrder(ctx context.Context, orderCode string, stationID int) error {
	body := map[string]any{"ordenFabricacion": orderCode, "estacionId": stationID}
	if _, err := c.do(ctx, http.MethodPost, "/api/ordenesDeFabricacion/cerrarOrden", nil, body, true, defaultTimeout); err != nil {
		return fmt.Errorf("close order: %w", err)
	}
	return nil
}

// ReopenOrder reverses an accidental close.
func (c *Client) ReopenOrder(ctx context.Context, orderCode string, stationID int) error {
	body := map[string]any{"ordenFabricacion": orderCode, "estacionId": stationID}
	if _, err := c.do(ctx, http.MethodPost, "/api/ordenesDeFabricacion/reabrirOrden", nil, body, true, defaultTimeout); err != nil {
		return fmt.Errorf("reopen order: %w", err)
	}
	return nil
}

// ChangePriority updates an order's priority at a station.
func (c *Client) ChangePriority(ctx context.Context, orderCode, priority string, stationID int) error {
	body := map[string]any{"ordenFabricacion": orderCode, "prioridad": priority, "estacionId": stationID}
	if _, err := c.do(ctx, http.MethodPost, "/api/ordenesDeFabricacion/cambiarPrioridad", nil, body, true, defaultTimeout); err != nil {
		return fmt.Errorf("change priority: %w", err)
	}
	return nil
}

// UPCReading is one registered reading as the MES reports it back.
type UPCReading struct {
	OrderCode string `json:"ordenFabricacion"`
	UPC       string `json:"upc"`
	Quantity  int    `json:"cantidad"`
	Timestamp string `json:"timestamp"`
}

// QueryUPCReadings lists readings registered for a station in a date range
// (inclusive, YYYY-MM-DD).
func (c *Client) QueryUPCReadings(ctx context.Context, from, to string, stationID int) ([]UPCReading, error) {
	q := url.Values{
		"fechaInicial": {from},
		"fechaFinal":   {to},
		"estacionId":   {strconv.Itoa(stationID)},
	}
	env, err := c.do(ctx, http.MethodGet, "/api/lecturaUPC/consultar", q, nil, true, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("query upc readings: %w", err)
	}
	var readings []UPCReading
	if err := json.Unmarshal(env.Data, &readings); err != nil {
		return nil, fmt.Errorf("query upc readings: %w: %v", ErrPermanent, err)
	}
	return readings, nil
}

// VerifyConnection checks reachability and auth with a cheap read.
func (c *Client) VerifyConnection(ctx context.Context) error {
	if _, err := c.ListStations(ctx); err != nil {
		return fmt.Errorf("verify connection: %w", err)
	}
	return nil
}

// do performs one request and decodes the standard {success, data} envelope.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, auth bool, timeout time.Duration) (*envelope, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %v", ErrPermanent, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("empresa-id", strconv.Itoa(c.companyID))
	if auth {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s", ErrPermanent, env.Message)
	}
	return &env, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuthExpired
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}
