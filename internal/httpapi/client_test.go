package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderflow/internal/authn"
	"github.com/vladislavdragonenkov/orderflow/internal/board"
	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
	"github.com/vladislavdragonenkov/orderflow/internal/workflow"
)

func TestClient_OrderLifecycle(t *testing.T) {
	f := newAPIFixture(t, WithIdempotency(memory.NewReceiptStore(), time.Hour))
	client := NewClient(f.server.URL + "/")
	ctx := context.Background()

	created, err := client.CreateOrder(ctx, "ord-42", json.RawMessage(`{"dish":"pho"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, created.Status)

	view, err := client.GetOrder(ctx, "ord-42")
	require.NoError(t, err)
	assert.Contains(t, view.NextPossible, "confirmed")

	updated, err := client.TransitionWithKey(ctx, workflow.TransitionRequest{
		OrderID: "ord-42", ExpectedStatus: domain.OrderStatusPending, ExpectedVersion: 1,
		TargetStatus: domain.OrderStatusConfirmed, Actor: "kitchen-1", Reason: "accepted",
	}, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "ord-42", updated.ID)
	assert.Equal(t, int64(2), updated.Version)

	orders, err := client.ListOrders(ctx, domain.OrderFilter{Statuses: []domain.OrderStatus{domain.OrderStatusConfirmed}})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.JSONEq(t, `{"dish":"pho"}`, string(orders[0].Payload))

	history, err := client.History(ctx, "ord-42")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "accepted", history[0].Reason)

	report, err := domain.VerifyChain("ord-42", history)
	require.NoError(t, err, "hash chain survives the wire")
	assert.True(t, report.Valid)

	verify, err := client.Verify(ctx, "ord-42")
	require.NoError(t, err)
	assert.True(t, verify.Valid)
}

func TestClient_MapsErrorsToDomain(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "ord-1", domain.OrderStatusPreparing, 4)
	client := NewClient(f.server.URL)
	ctx := context.Background()

	_, err := client.Transition(ctx, workflow.TransitionRequest{
		OrderID: "ord-1", ExpectedStatus: domain.OrderStatusPending, ExpectedVersion: 3,
		TargetStatus: domain.OrderStatusConfirmed, Actor: "kitchen-1",
	})
	require.True(t, domain.IsVersionConflict(err))
	current, ok := domain.ConflictState(err)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusPreparing, current.Status)
	assert.Equal(t, int64(4), current.Version)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = client.Transition(ctx, workflow.TransitionRequest{
		OrderID: "ord-1", ExpectedStatus: domain.OrderStatusPreparing, ExpectedVersion: 4,
		TargetStatus: domain.OrderStatusPending, Actor: "kitchen-1",
	})
	assert.True(t, domain.IsInvalidTransition(err))

	_, err = client.GetOrder(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestClient_TransientFailures(t *testing.T) {
	unavailable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorCode(w, http.StatusServiceUnavailable, CodeUnavailable, "registry down")
	}))
	defer unavailable.Close()

	_, err := NewClient(unavailable.URL).ListOrders(context.Background(), domain.OrderFilter{})
	assert.True(t, domain.IsTransient(err))

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	_, err = NewClient(closed.URL).ListOrders(context.Background(), domain.OrderFilter{})
	assert.True(t, domain.IsTransient(err))
}

func TestClient_SendsBearerToken(t *testing.T) {
	signer, err := authn.NewSigner("secret", "")
	require.NoError(t, err)
	f := newAPIFixture(t, WithAuthentication(signer))
	f.seed(t, "ord-1", domain.OrderStatusPending, 1)

	token, err := signer.Issue("kitchen-1", "", time.Hour)
	require.NoError(t, err)

	_, err = NewClient(f.server.URL).Transition(context.Background(), workflow.TransitionRequest{
		OrderID: "ord-1", ExpectedStatus: domain.OrderStatusPending, ExpectedVersion: 1,
		TargetStatus: domain.OrderStatusConfirmed,
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	updated, err := NewClient(f.server.URL, WithToken(token)).Transition(context.Background(), workflow.TransitionRequest{
		OrderID: "ord-1", ExpectedStatus: domain.OrderStatusPending, ExpectedVersion: 1,
		TargetStatus: domain.OrderStatusConfirmed,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, updated.Status)
}

func TestClient_DrivesBoardCoordinator(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "ord-1", domain.OrderStatusPending, 1)
	f.seed(t, "ord-2", domain.OrderStatusReady, 3)
	client := NewClient(f.server.URL)

	coordinator := board.NewCoordinator(board.NewPollingSource(client, time.Hour), client, board.Config{})
	ctx := context.Background()
	require.NoError(t, coordinator.Refresh(ctx))

	card, ok := coordinator.Board().Card("ord-2")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusReady, card.Order.Status)

	_, err := coordinator.RequestTransition(ctx, workflow.TransitionRequest{
		OrderID: "ord-1", ExpectedStatus: domain.OrderStatusPending, ExpectedVersion: 1,
		TargetStatus: domain.OrderStatusConfirmed, Actor: "kitchen-1",
	})
	require.NoError(t, err)

	card, ok = coordinator.Board().Card("ord-1")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusConfirmed, card.Order.Status)
	assert.NotEmpty(t, card.Order.Payload, "payload from the snapshot is kept")
}
