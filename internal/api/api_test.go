package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ticket-inventory/internal/auth"
	"ms-ticket-inventory/internal/catalog"
	"ms-ticket-inventory/internal/checkout"
	"ms-ticket-inventory/internal/clock"
	"ms-ticket-inventory/internal/config"
	"ms-ticket-inventory/internal/holds"
	"ms-ticket-inventory/internal/inventory"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/payment"
	"ms-ticket-inventory/internal/promo"
	"ms-ticket-inventory/internal/sse"
	"ms-ticket-inventory/internal/sweeper"
	"ms-ticket-inventory/internal/testutil"
	"ms-ticket-inventory/internal/tickets"
	"ms-ticket-inventory/internal/tickets/qr"
)

type stubWebhooks struct {
	err       error
	signature string
	payload   []byte
}

func (s *stubWebhooks) HandleWebhook(_ context.Context, payload []byte, signature string) error {
	s.payload, s.signature = payload, signature
	return s.err
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type fixture struct {
	clock    *clock.Manual
	event    *models.Event
	tier     *models.TicketTier
	webhooks *stubWebhooks
	handler  http.Handler
}

func newFixture(t *testing.T, total int) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	clk := clock.NewManual(testutil.Epoch)
	log := logger.NewNop()

	event := testutil.SeedEvent(t, db, testutil.Epoch.Add(time.Hour))
	ledger := inventory.NewLedger(db, log, inventory.WithClock(clk))
	validator := promo.NewValidator(db, clk, log)
	manager := holds.NewManager(db, ledger, validator, config.HoldConfig{DefaultTTL: 10 * time.Minute, MaxTTL: 30 * time.Minute, MaxQuantity: 10}, log,
		holds.WithClock(clk))
	store := catalog.NewStore(db, clk, log)
	feed := sse.NewScanFeed()
	engine := tickets.NewEngine(db, store, qr.NewSigner("secret", 128), config.TransferConfig{TTL: 24 * time.Hour}, log,
		tickets.WithClock(clk), tickets.WithScanPublisher(feed))
	coordinator := checkout.NewCoordinator(db, manager, ledger, validator, engine, log, checkout.WithClock(clk))
	sw := sweeper.New(manager, engine, config.SweeperConfig{BatchSize: 50}, log)
	webhooks := &stubWebhooks{}

	h := NewHandler(Services{
		Holds:     manager,
		Checkout:  coordinator,
		Promos:    validator,
		Tickets:   engine,
		Inventory: ledger,
		Catalog:   store,
		Sweeper:   sw,
		Webhooks:  webhooks,
		Scans:     feed,
	}, Options{Auth: auth.HeaderMiddleware(), EnforceRoles: true}, log)

	return &fixture{
		clock:    clk,
		event:    event,
		tier:     testutil.SeedTier(t, db, event.ID, total, "50.00"),
		webhooks: webhooks,
		handler:  h.Routes(),
	}
}

func (f *fixture) do(t *testing.T, method, path, user, roles string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(auth.HeaderUserID, user)
	}
	if roles != "" {
		req.Header.Set(auth.HeaderRoles, roles)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v))
}

type holdBody struct {
	HoldID    string    `json:"hold_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type confirmBody struct {
	OrderID   string   `json:"order_id"`
	TicketIDs []string `json:"ticket_ids"`
	Total     string   `json:"total"`
	Replayed  bool     `json:"replayed"`
}

func (f *fixture) hold(t *testing.T, user string, qty int) string {
	t.Helper()
	rec, env := f.do(t, http.MethodPost, "/api/holds", user, "", map[string]interface{}{"tier_id": f.tier.ID, "quantity": qty})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body holdBody
	decode(t, env.Data, &body)
	return body.HoldID
}

func (f *fixture) buy(t *testing.T, user string, qty int) []string {
	t.Helper()
	holdID := f.hold(t, user, qty)
	rec, env := f.do(t, http.MethodPost, "/api/checkout/confirm", user, "", map[string]string{"hold_id": holdID, "payment_ref": "pay_" + holdID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body confirmBody
	decode(t, env.Data, &body)
	return body.TicketIDs
}

func (f *fixture) ticket(t *testing.T, user, id string) models.Ticket {
	t.Helper()
	rec, env := f.do(t, http.MethodGet, "/api/tickets/"+id, user, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tk models.Ticket
	decode(t, env.Data, &tk)
	return tk
}

func TestHealthAndAuthentication(t *testing.T) {
	f := newFixture(t, 1)

	rec, env := f.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, _ = f.do(t, http.MethodGet, "/api/tiers/"+f.tier.ID, "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/tiers/"+f.tier.ID, "alice", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHoldAndCheckout(t *testing.T) {
	f := newFixture(t, 5)
	holdID := f.hold(t, "alice", 2)

	rec, _ := f.do(t, http.MethodGet, "/api/holds/"+holdID, "bob", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env := f.do(t, http.MethodGet, "/api/holds/"+holdID, "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hold models.CartHold
	decode(t, env.Data, &hold)
	assert.Equal(t, models.HoldActive, hold.Status)

	rec, env = f.do(t, http.MethodPost, "/api/checkout/confirm", "alice", "", map[string]string{"hold_id": holdID, "payment_ref": "pay_1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var conf confirmBody
	decode(t, env.Data, &conf)
	assert.Len(t, conf.TicketIDs, 2)
	assert.Equal(t, "100.00", conf.Total)

	rec, env = f.do(t, http.MethodPost, "/api/checkout/confirm", "alice", "", map[string]string{"hold_id": holdID, "payment_ref": "pay_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var replay confirmBody
	decode(t, env.Data, &replay)
	assert.True(t, replay.Replayed)
	assert.Equal(t, conf.OrderID, replay.OrderID)

	rec, env = f.do(t, http.MethodGet, "/api/orders/"+conf.OrderID, "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var order struct {
		Order   models.Order    `json:"order"`
		Tickets []models.Ticket `json:"tickets"`
	}
	decode(t, env.Data, &order)
	assert.Equal(t, holdID, order.Order.HoldID)
	assert.Len(t, order.Tickets, 2)

	rec, _ = f.do(t, http.MethodGet, "/api/orders/"+conf.OrderID, "bob", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/api/tiers/"+f.tier.ID, "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tier models.TicketTier
	decode(t, env.Data, &tier)
	assert.Equal(t, []int{3, 0, 2}, []int{tier.AvailableQuantity, tier.HeldQuantity, tier.SoldQuantity})
}

func TestLastTicketConflict(t *testing.T) {
	f := newFixture(t, 1)
	f.hold(t, "alice", 1)

	rec, env := f.do(t, http.MethodPost, "/api/holds", "bob", "", map[string]interface{}{"tier_id": f.tier.ID, "quantity": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_inventory", env.Code)
	assert.False(t, env.Success)
}

func TestCreateHoldRejectsBadBody(t *testing.T) {
	f := newFixture(t, 1)
	rec, env := f.do(t, http.MethodPost, "/api/holds", "alice", "", map[string]interface{}{"tier": f.tier.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", env.Code)
}

func TestConfirmExpiredHold(t *testing.T) {
	f := newFixture(t, 2)
	holdID := f.hold(t, "alice", 1)
	f.clock.Advance(11 * time.Minute)

	rec, env := f.do(t, http.MethodPost, "/api/checkout/confirm", "alice", "", map[string]string{"hold_id": holdID, "payment_ref": "pay_1"})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "hold_expired", env.Code)
}

func TestFailedPaymentReleasesHold(t *testing.T) {
	f := newFixture(t, 1)
	holdID := f.hold(t, "alice", 1)

	rec, env := f.do(t, http.MethodPost, "/api/checkout/confirm", "alice", "",
		map[string]string{"hold_id": holdID, "payment_ref": "pay_1", "status": "failed"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "payment_rejected", env.Code)

	// The seat is free again.
	f.hold(t, "bob", 1)

	rec, _ = f.do(t, http.MethodPost, "/api/holds/"+holdID+"/release", "alice", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPromoEndpoints(t *testing.T) {
	f := newFixture(t, 5)
	promoReq := map[string]interface{}{
		"code":              "save20",
		"discount_type":     models.DiscountPercentage,
		"discount_value":    "20",
		"max_discount":      "0",
		"max_uses_per_user": 1,
		"max_total_uses":    10,
		"valid_from":        testutil.Epoch.Add(-time.Hour),
		"valid_until":       testutil.Epoch.Add(24 * time.Hour),
	}
	rec, _ := f.do(t, http.MethodPost, "/api/admin/promos", "alice", "", promoReq)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/admin/promos", "ops", "ADMIN", promoReq)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, env := f.do(t, http.MethodPost, "/api/promo/validate", "alice", "", map[string]string{"code": "SAVE20", "event_id": f.event.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res promo.Result
	decode(t, env.Data, &res)
	assert.True(t, res.Valid)
	assert.Equal(t, models.DiscountPercentage, res.DiscountType)

	rec, env = f.do(t, http.MethodPost, "/api/promo/validate", "alice", "", map[string]string{"code": "NOPE", "event_id": f.event.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var invalid struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	decode(t, env.Data, &invalid)
	assert.False(t, invalid.Valid)
	assert.Equal(t, string(promo.ReasonNotFound), invalid.Reason)
}

func TestAdminTierAndEvent(t *testing.T) {
	f := newFixture(t, 1)

	rec, env := f.do(t, http.MethodPut, "/api/admin/events/ev-2", "ops", "ADMIN", map[string]interface{}{
		"name":     "Second Show",
		"start_at": testutil.Epoch.Add(48 * time.Hour),
		"end_at":   testutil.Epoch.Add(52 * time.Hour),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ev models.Event
	decode(t, env.Data, &ev)
	assert.Equal(t, models.EventScheduled, ev.Status)

	rec, env = f.do(t, http.MethodPost, "/api/admin/tiers", "ops", "ADMIN", map[string]interface{}{
		"event_id": "ev-2", "name": "VIP", "price": "120.00", "quantity": 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tier models.TicketTier
	decode(t, env.Data, &tier)
	assert.Equal(t, 3, tier.AvailableQuantity)

	rec, _ = f.do(t, http.MethodPost, "/api/admin/tiers/"+tier.ID+"/deactivate", "ops", "ADMIN", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = f.do(t, http.MethodPost, "/api/holds", "alice", "", map[string]interface{}{"tier_id": tier.ID, "quantity": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "tier_inactive", env.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/tiers/missing", "alice", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = f.do(t, http.MethodPost, "/api/admin/tiers", "ops", "ADMIN", map[string]interface{}{
		"event_id": "ev-unknown", "name": "GA", "price": "10.00", "quantity": 3,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Code)
}

func TestScanEndpoint(t *testing.T) {
	f := newFixture(t, 5)
	ids := f.buy(t, "alice", 1)
	code := f.ticket(t, "alice", ids[0]).QRCode
	scan := map[string]string{"qr_code": code, "event_id": f.event.ID, "location": "gate-a"}

	rec, _ := f.do(t, http.MethodPost, "/api/tickets/scan", "alice", "", scan)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, env := f.do(t, http.MethodPost, "/api/tickets/scan", "door-1", "SCANNER", scan)
	assert.Equal(t, http.StatusTooEarly, rec.Code)
	assert.Equal(t, "event_not_started", env.Code)

	f.clock.Advance(2 * time.Hour)

	rec, env = f.do(t, http.MethodPost, "/api/tickets/scan", "door-1", "SCANNER", scan)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ok struct {
		Valid    bool   `json:"valid"`
		TicketID string `json:"ticket_id"`
	}
	decode(t, env.Data, &ok)
	assert.True(t, ok.Valid)
	assert.Equal(t, ids[0], ok.TicketID)

	rec, env = f.do(t, http.MethodPost, "/api/tickets/scan", "door-2", "SCANNER", scan)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_used", env.Code)

	scan["qr_code"] = "forged.code.value"
	rec, env = f.do(t, http.MethodPost, "/api/tickets/scan", "door-2", "SCANNER", scan)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var refused struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	decode(t, env.Data, &refused)
	assert.False(t, refused.Valid)
	assert.Equal(t, "forged_code", refused.Reason)
}

func TestTicketAccess(t *testing.T) {
	f := newFixture(t, 5)
	ids := f.buy(t, "alice", 1)

	rec, _ := f.do(t, http.MethodGet, "/api/tickets/"+ids[0], "bob", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/tickets/"+ids[0]+"/qr", "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec, _ = f.do(t, http.MethodGet, "/api/users/alice/tickets", "bob", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, env := f.do(t, http.MethodGet, "/api/users/alice/tickets", "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wallet []models.Ticket
	decode(t, env.Data, &wallet)
	assert.Len(t, wallet, 1)
}

func TestTransferEndpoints(t *testing.T) {
	f := newFixture(t, 5)
	ids := f.buy(t, "alice", 1)

	rec, env := f.do(t, http.MethodPost, "/api/transfers", "alice", "", map[string]string{"ticket_id": ids[0], "to_user_id": "bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		TransferID string    `json:"transfer_id"`
		ExpiresAt  time.Time `json:"expires_at"`
	}
	decode(t, env.Data, &created)
	assert.True(t, created.ExpiresAt.Equal(f.event.StartAt), "transfer must not outlive the event start")

	rec, _ = f.do(t, http.MethodPost, "/api/transfers/"+created.TransferID+"/accept", "carol", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, env = f.do(t, http.MethodPost, "/api/transfers/"+created.TransferID+"/accept", "bob", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var accepted struct {
		TicketID string `json:"ticket_id"`
	}
	decode(t, env.Data, &accepted)
	assert.Equal(t, ids[0], accepted.TicketID)
	assert.Equal(t, "bob", f.ticket(t, "bob", ids[0]).OwnerUserID)

	rec, env = f.do(t, http.MethodPost, "/api/transfers", "bob", "", map[string]string{"ticket_id": ids[0], "to_user_id": "dave"})
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, env.Data, &created)
	f.clock.Advance(2 * time.Hour)

	rec, env = f.do(t, http.MethodPost, "/api/transfers/"+created.TransferID+"/accept", "dave", "", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "transfer_expired", env.Code)
}

func TestSweepEndpoint(t *testing.T) {
	f := newFixture(t, 2)
	f.hold(t, "alice", 2)
	f.clock.Advance(11 * time.Minute)

	rec, env := f.do(t, http.MethodPost, "/api/admin/sweep", "ops", "ADMIN", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res sweeper.Result
	decode(t, env.Data, &res)
	assert.Equal(t, 1, res.HoldsExpired)

	f.hold(t, "bob", 2)
}

func TestStripeWebhook(t *testing.T) {
	f := newFixture(t, 1)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/stripe/webhook", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t=1,v1=abc", f.webhooks.signature)
	assert.JSONEq(t, `{"id":"evt_1"}`, string(f.webhooks.payload))

	f.webhooks.err = &payment.WebhookError{Category: "validation", StatusCode: http.StatusBadRequest, PublicError: "Invalid signature"}
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/payments/stripe/webhook", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.webhooks.err = errors.New("boom")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/payments/stripe/webhook", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestScanStream(t *testing.T) {
	f := newFixture(t, 5)
	ids := f.buy(t, "alice", 1)
	code := f.ticket(t, "alice", ids[0]).QRCode
	f.clock.Advance(2 * time.Hour)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/"+f.event.ID+"/scans/stream", nil)
	require.NoError(t, err)
	req.Header.Set(auth.HeaderUserID, "supervisor")
	req.Header.Set(auth.HeaderRoles, "SCANNER")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, "event: connected", lines.Text())

	rec, _ := f.do(t, http.MethodPost, "/api/tickets/scan", "door-1", "SCANNER",
		map[string]string{"qr_code": code, "event_id": f.event.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	var data string
	for lines.Scan() {
		if lines.Text() == "event: scan" {
			require.True(t, lines.Scan())
			data = strings.TrimPrefix(lines.Text(), "data: ")
			break
		}
	}
	var scanned models.ScanRecord
	require.NoError(t, json.Unmarshal([]byte(data), &scanned))
	assert.Equal(t, ids[0], scanned.TicketID)
	assert.Equal(t, models.ScanValid, scanned.Result)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{models.ErrInsufficientInventory, http.StatusConflict},
		{models.ErrHoldExpired, http.StatusGone},
		{models.ErrTransferExpired, http.StatusGone},
		{models.ErrHoldNotActive, http.StatusConflict},
		{models.ErrAlreadyUsed, http.StatusConflict},
		{models.ErrEventNotStarted, http.StatusTooEarly},
		{models.ErrTierInactive, http.StatusUnprocessableEntity},
		{&promo.InvalidError{Code: "X", Reason: promo.ReasonExpired}, http.StatusUnprocessableEntity},
		{models.ErrPaymentRejected, http.StatusPaymentRequired},
		{models.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("load: %w", models.ErrTicketNotFound), http.StatusNotFound},
		{models.ErrIntegrityViolation, http.StatusInternalServerError},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		status, _ := statusFor(c.err)
		assert.Equal(t, c.status, status, c.err.Error())
	}
}
