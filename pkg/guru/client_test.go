package guru

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"github.com/Mindburn-Labs/guru-export/pkg/finance"
	"github.com/Mindburn-Labs/guru-export/pkg/util/resiliency"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transactionsPage1 = `{
  "data": [
    {
      "id": "tx-1",
      "status": "approved",
      "contact": {
        "name": "Maria Souza", "email": "maria@example.com", "doc": "123.456.789-00",
        "phone_number": "+55 11 99999-0000",
        "address": "Rua A", "address_number": "10", "address_comp": "ap 2",
        "address_district": "Centro", "address_city": "São Paulo", "address_state": "sp",
        "address_zip_code": "01000-000"
      },
      "product": {"id": "p-box", "name": "Box Clássica", "qty": 1, "offer": {"id": "of-anual", "name": "Plano Anual"}},
      "payment": {"total": 899.9, "coupon": {"coupon_code": "promo10"}},
      "shipping": {"value": "19,90"},
      "subscription": {"charged_every_days": 365},
      "dates": {"ordered_at": "2024-03-05 10:20:30"}
    }
  ],
  "has_more_pages": 1,
  "next_cursor": "c2",
  "total_rows": 2
}`

const transactionsPage2 = `{
  "data": [
    {"id": 77, "product_id": "p-cad", "cupom": "", "amount": "49,90", "plano": "Mensal", "ordered_at": "2024-03-06T08:00:00Z"}
  ],
  "has_more_pages": 0,
  "next_cursor": null,
  "total_rows": 2
}`

func newTestGuru(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	doer := resiliency.NewClient(resiliency.Options{MaxAttempts: 1})
	return NewClient(srv.URL+"/", "secret", WithDoer(doer))
}

func TestListTransactions_NormalizesPayload(t *testing.T) {
	c := newTestGuru(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("ordered_at_ini"))
		assert.Equal(t, "2024-04-30", r.URL.Query().Get("ordered_at_end"))
		if r.URL.Query().Get("cursor") == "c2" {
			_, _ = w.Write([]byte(transactionsPage2))
			return
		}
		assert.Equal(t, "p-box", r.URL.Query().Get("product_id"))
		_, _ = w.Write([]byte(transactionsPage1))
	})

	q := TransactionQuery{
		Start:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
		ProductID: "p-box",
	}
	page, err := c.ListTransactions(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.True(t, page.HasMore)
	assert.Equal(t, "c2", page.NextCursor)
	assert.True(t, page.TotalKnown)
	assert.Equal(t, 2, page.Total)

	tx := page.Transactions[0]
	assert.Equal(t, "tx-1", tx.ID)
	assert.Equal(t, "p-box", tx.ProductID)
	assert.Equal(t, "of-anual", tx.OfferID)
	assert.Equal(t, "PROMO10", tx.CouponCode)
	assert.Equal(t, contracts.PlanAnnual, tx.Plan)
	assert.Equal(t, finance.BRL(89990), tx.Amount)
	assert.Equal(t, finance.BRL(1990), tx.ShippingAmount)
	assert.Equal(t, "12345678900", tx.Buyer.Document)
	assert.Equal(t, "SP", tx.Shipping.State)
	assert.Equal(t, "01000000", tx.Shipping.ZipCode)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC), tx.OrderedAt)

	q.Cursor = page.NextCursor
	q.ProductID = ""
	page, err = c.ListTransactions(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.False(t, page.HasMore)
	tx = page.Transactions[0]
	assert.Equal(t, "77", tx.ID)
	assert.Equal(t, contracts.PlanMonthly, tx.Plan)
	assert.Equal(t, finance.BRL(4990), tx.Amount)
	assert.False(t, tx.HasCoupon())
}

func TestListTransactions_UnknownTotal(t *testing.T) {
	c := newTestGuru(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": [], "has_more_pages": false}`))
	})
	page, err := c.ListTransactions(context.Background(), TransactionQuery{})
	require.NoError(t, err)
	assert.False(t, page.TotalKnown)
	assert.Empty(t, page.Transactions)
}

func TestListTransactions_MalformedPayload(t *testing.T) {
	bodies := map[string]string{
		"not json":        `<html>`,
		"no data":         `{"items": []}`,
		"data object":     `{"data": {"id": "x"}}`,
		"item not obj":    `{"data": ["x"]}`,
		"item without id": `{"data": [{"status": "approved"}]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c := newTestGuru(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := c.ListTransactions(context.Background(), TransactionQuery{})
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestListTransactions_SurfacesFetchError(t *testing.T) {
	c := newTestGuru(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Unauthenticated."}`, http.StatusUnauthorized)
	})
	_, err := c.ListTransactions(context.Background(), TransactionQuery{})

	var fe *resiliency.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusUnauthorized, fe.StatusCode)
	assert.False(t, fe.Retryable)
	assert.NotErrorIs(t, err, ErrMalformedPayload)
}

func TestListProductsAndOffers(t *testing.T) {
	c := newTestGuru(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/products":
			if r.URL.Query().Get("cursor") == "" {
				_, _ = w.Write([]byte(`{"data":[{"id":"p1","name":"Box","is_active":true}],"has_more_pages":1,"next_cursor":"n"}`))
				return
			}
			_, _ = w.Write([]byte(`{"data":[{"id":"p2","name":"Caderno","is_active":false}],"has_more_pages":0}`))
		case "/products/p1/offers":
			_, _ = w.Write([]byte(`{"data":[{"id":"o1","name":"Anual","value":"899,90"}]}`))
		default:
			http.NotFound(w, r)
		}
	})

	products, err := c.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "p1", products[0].ID)
	assert.True(t, products[0].IsActive)
	assert.Equal(t, "Caderno", products[1].Name)

	offers, err := c.ListOffers(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, Offer{ID: "o1", ProductID: "p1", Name: "Anual", Value: finance.BRL(89990)}, offers[0])

	_, err = c.ListOffers(context.Background(), "")
	assert.Error(t, err)
}

type countingLimiter struct{ n int }

func (l *countingLimiter) Wait(context.Context) error {
	l.n++
	return nil
}

func TestClient_UsesLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	l := &countingLimiter{}
	c := NewClient(srv.URL, "", WithLimiter(l))
	_, err := c.ListTransactions(context.Background(), TransactionQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, l.n)
}

func TestCheckToken(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	sign := func(exp time.Time) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
		require.NoError(t, err)
		return tok
	}

	assert.NoError(t, CheckToken("9a1b2c|opaque-token", now))
	assert.NoError(t, CheckToken(sign(now.Add(time.Hour)), now))
	assert.ErrorIs(t, CheckToken(sign(now.Add(-time.Hour)), now), ErrTokenExpired)
	assert.ErrorIs(t, CheckToken("  ", now), ErrTokenMissing)
	assert.NoError(t, CheckToken("a.b.c", now), "unparseable dotted token is treated as opaque")
}
