package httpapi

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
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/workflow"
)

const defaultClientTimeout = 10 * time.Second

// APIError — ошибка, полученная от сервера.
// Unwrap возвращает доменную ошибку, чтобы работали domain.IsX.
type APIError struct {
	StatusCode int
	Detail     ErrorDetail
	cause      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Detail.Code, e.Detail.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// Client — типизированный клиент REST-интерфейса.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// ClientOption настраивает Client.
type ClientOption func(*Client)

// WithHTTPClient подменяет http.Client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.http = httpClient }
}

// WithToken добавляет Bearer-токен ко всем запросам.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// NewClient создаёт клиент для baseURL вида http://host:port.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultClientTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListOrders запрашивает снимок заказов.
func (c *Client) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	query := url.Values{}
	if len(filter.Statuses) > 0 {
		parts := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			parts = append(parts, string(status))
		}
		query.Set("status", strings.Join(parts, ","))
	}
	if !filter.TerminalSince.IsZero() {
		query.Set("terminalSince", filter.TerminalSince.UTC().Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}

	path := "/orders"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp OrdersResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(resp.Orders))
	for _, view := range resp.Orders {
		orders = append(orders, view.toDomain())
	}
	return orders, nil
}

// GetOrder возвращает заказ вместе с допустимыми следующими статусами.
func (c *Client) GetOrder(ctx context.Context, id string) (OrderView, error) {
	var view OrderView
	err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id), nil, nil, &view)
	return view, err
}

// CreateOrder регистрирует заказ; пустой id назначит сервер.
func (c *Client) CreateOrder(ctx context.Context, id string, payload json.RawMessage) (domain.Order, error) {
	var view OrderView
	if err := c.do(ctx, http.MethodPost, "/orders", CreateOrderRequest{ID: id, Payload: payload}, nil, &view); err != nil {
		return domain.Order{}, err
	}
	return view.toDomain(), nil
}

// Transition реализует board.Transitioner.
func (c *Client) Transition(ctx context.Context, req workflow.TransitionRequest) (domain.Order, error) {
	return c.TransitionWithKey(ctx, req, "")
}

// TransitionWithKey отправляет переход с заголовком Idempotency-Key, если key не пуст.
func (c *Client) TransitionWithKey(ctx context.Context, req workflow.TransitionRequest, key string) (domain.Order, error) {
	headers := http.Header{}
	if key = strings.TrimSpace(key); key != "" {
		headers.Set(IdempotencyKeyHeader, key)
	}

	body := TransitionRequest{
		ExpectedStatus:  string(req.ExpectedStatus),
		ExpectedVersion: req.ExpectedVersion,
		TargetStatus:    string(req.TargetStatus),
		Actor:           req.Actor,
		Reason:          req.Reason,
	}
	var state StateView
	path := "/orders/" + url.PathEscape(req.OrderID) + "/transition"
	if err := c.do(ctx, http.MethodPost, path, body, headers, &state); err != nil {
		return domain.Order{}, err
	}
	return domain.Order{
		ID:              req.OrderID,
		Status:          domain.OrderStatus(state.Status),
		Version:         state.Version,
		EnteredStatusAt: state.EnteredStatusAt.UTC(),
	}, nil
}

// History возвращает журнал заказа.
func (c *Client) History(ctx context.Context, id string) ([]domain.StatusTransition, error) {
	var records []HistoryRecord
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id)+"/history", nil, nil, &records); err != nil {
		return nil, err
	}
	out := make([]domain.StatusTransition, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

// Verify запрашивает проверку цепочки журнала.
func (c *Client) Verify(ctx context.Context, id string) (VerifyResponse, error) {
	var report VerifyResponse
	err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id)+"/history/verify", nil, nil, &report)
	return report, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for name, values := range headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %w", domain.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrTransient, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(statusCode int, data []byte) error {
	apiErr := &APIError{StatusCode: statusCode}
	var body ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Code != "" {
		apiErr.Detail = body.Error
	} else {
		apiErr.Detail = ErrorDetail{Code: CodeInternal, Message: strings.TrimSpace(string(data))}
	}

	switch apiErr.Detail.Code {
	case CodeInvalidTransition:
		apiErr.cause = domain.ErrInvalidTransition
	case CodeConflict:
		apiErr.cause = domain.ErrOrderVersionConflict
		if current := apiErr.Detail.Current; current != nil {
			apiErr.cause = domain.NewConflictError(domain.Order{
				Status:          domain.OrderStatus(current.Status),
				Version:         current.Version,
				EnteredStatusAt: current.EnteredStatusAt.UTC(),
			})
		}
	case CodeUnauthorized, CodeActorMismatch:
		apiErr.cause = domain.ErrUnauthorized
	case CodeNotFound:
		apiErr.cause = domain.ErrOrderNotFound
	case CodeAlreadyExists:
		apiErr.cause = domain.ErrOrderAlreadyExists
	case CodeIdempotencyKeyReused:
		apiErr.cause = domain.ErrReceiptMismatch
	case CodeIdempotencyInProgress:
		apiErr.cause = domain.ErrReceiptExists
	}
	if apiErr.cause == nil && statusCode >= http.StatusInternalServerError {
		apiErr.cause = domain.ErrTransient
	}
	if apiErr.cause == nil {
		apiErr.cause = errors.New(apiErr.Detail.Message)
	}
	return apiErr
}
