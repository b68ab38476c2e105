package dds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func testClient(serverURL string, codes map[string]string) *Client {
	client := NewClient(Config{
		BaseURL:      serverURL,
		APIKey:       "test-key",
		Token:        "test-token",
		ProductCodes: codes,
	})
	// Bypass retry pacing so tests run without wall-clock waits.
	client.SetHTTPClient(&http.Client{Timeout: 5 * time.Second})
	return client
}

func requireAuth(t *testing.T, r *http.Request) {
	t.Helper()
	q := r.URL.Query()
	if q.Get("key") != "test-key" {
		t.Errorf("key = %q", q.Get("key"))
	}
	if q.Get("token") != "test-token" {
		t.Errorf("token = %q", q.Get("token"))
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"http://localhost:8081/api", true},
		{"http://127.0.0.1/api", true},
		{"http://[::1]:9000", true},
		{"https://store.example.com/api", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.url); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestCustomers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		if r.URL.Path != "/customers" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "2" || r.URL.Query().Get("number") != "50" {
			t.Errorf("paging params = %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(customersResponse{
			Customers: []Customer{
				{ID: "101", Email: "a@example.com", FirstName: "Ada"},
				{ID: "102", Email: "b@example.com"},
			},
		})
	}))
	defer server.Close()

	client := testClient(server.URL, nil)

	customers, err := client.Customers(context.Background(), 2, 50)
	if err != nil {
		t.Fatalf("Customers failed: %v", err)
	}
	if len(customers) != 2 {
		t.Fatalf("expected 2 customers, got %d", len(customers))
	}
	if customers[0].ID.String() != "101" {
		t.Errorf("id = %s", customers[0].ID)
	}
}

func TestFindProductByTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Numeric ids exercise the FlexString path.
		w.Write([]byte(`{"products": [
			{"id": 11, "name": "ACME - Moonrise (Deluxe Edition)"},
			{"id": 12, "name": "ACME - Sunfall"},
			{"id": 13, "name": "Other Band - Moonrise"}
		]}`))
	}))
	defer server.Close()

	client := testClient(server.URL, map[string]string{"MR": "Moonrise"})
	ctx := context.Background()

	id, err := client.FindProductByTitle(ctx, "ACME", "MR")
	if err != nil {
		t.Fatalf("FindProductByTitle failed: %v", err)
	}
	if id != "11" {
		t.Errorf("product id = %q, want 11", id)
	}

	// Unmapped codes fall back to the code itself as the title.
	id, err = client.FindProductByTitle(ctx, "ACME", "Sunfall")
	if err != nil {
		t.Fatalf("FindProductByTitle failed: %v", err)
	}
	if id != "12" {
		t.Errorf("product id = %q, want 12", id)
	}

	// No match is a clean empty result.
	id, err = client.FindProductByTitle(ctx, "ACME", "Nonexistent")
	if err != nil {
		t.Fatalf("FindProductByTitle failed: %v", err)
	}
	if id != "" {
		t.Errorf("expected no match, got %q", id)
	}
}

func TestSalesPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		if r.URL.Query().Get("product_id") != "11" {
			t.Errorf("product_id = %q", r.URL.Query().Get("product_id"))
		}
		json.NewEncoder(w).Encode(salesResponse{
			Sales: []Sale{
				{ID: "5001", Email: "A@Example.com", Total: 9.99},
				{ID: "5002", Email: "a@example.com", Total: 9.99},
				{ID: "5003", Email: "b@example.com", Total: 19.99},
			},
		})
	}))
	defer server.Close()

	client := testClient(server.URL, nil)

	page, err := client.SalesPage(context.Background(), "11", 1, 100)
	if err != nil {
		t.Fatalf("SalesPage failed: %v", err)
	}
	if len(page.Sales) != 3 {
		t.Errorf("expected 3 sales, got %d", len(page.Sales))
	}
	// Emails are normalized and de-duplicated.
	if len(page.Emails) != 2 {
		t.Fatalf("expected 2 distinct emails, got %v", page.Emails)
	}
	if page.Emails[0] != "a@example.com" {
		t.Errorf("emails = %v", page.Emails)
	}
}

func TestSalesBatches(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var sales []Sale
		if page <= 2 {
			sales = []Sale{{ID: FlexString("o" + strconv.Itoa(page)), Email: "u@example.com"}}
		}
		json.NewEncoder(w).Encode(salesResponse{Sales: sales})
	}))
	defer server.Close()

	client := testClient(server.URL, nil)

	var pages []int
	for batch := range client.SalesBatches(context.Background(), "", 1, 100) {
		if batch.Err != nil {
			t.Fatalf("batch error: %v", batch.Err)
		}
		pages = append(pages, batch.Page)
	}
	if len(pages) != 2 || pages[0] != 1 || pages[1] != 2 {
		t.Errorf("pages = %v, want [1 2]", pages)
	}
}

func TestSalesBatchesResume(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page < 3 {
			t.Errorf("resume should start at page 3, got %d", page)
		}
		var sales []Sale
		if page == 3 {
			sales = []Sale{{ID: "o3", Email: "u@example.com"}}
		}
		json.NewEncoder(w).Encode(salesResponse{Sales: sales})
	}))
	defer server.Close()

	client := testClient(server.URL, nil)

	var got []int
	for batch := range client.SalesBatches(context.Background(), "", 3, 100) {
		got = append(got, batch.Page)
	}
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("pages = %v, want [3]", got)
	}
}

func TestSalesBatchesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "bad product"}`))
	}))
	defer server.Close()

	client := testClient(server.URL, nil)

	var last SalesBatch
	for batch := range client.SalesBatches(context.Background(), "x", 1, 100) {
		last = batch
	}
	if last.Err == nil {
		t.Error("expected terminal error batch")
	}
}

func TestHasPurchased(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("email") != "u@example.com" {
			t.Errorf("email = %q", r.URL.Query().Get("email"))
		}
		json.NewEncoder(w).Encode(salesResponse{Sales: []Sale{{ID: "o1", Email: "u@example.com"}}})
	}))
	defer server.Close()

	client := testClient(server.URL, nil)

	ok, err := client.HasPurchased(context.Background(), "U@Example.com", "11")
	if err != nil {
		t.Fatalf("HasPurchased failed: %v", err)
	}
	if !ok {
		t.Error("expected purchase to be found")
	}
}

func TestValidateOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "5001":
			json.NewEncoder(w).Encode(salesResponse{Sales: []Sale{{ID: "5001", Email: "Buyer@Example.com"}}})
		case "5002":
			json.NewEncoder(w).Encode(salesResponse{Sales: []Sale{{ID: "5002", Email: "someone-else@example.com"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "no such sale"}`))
		}
	}))
	defer server.Close()

	client := testClient(server.URL, nil)
	ctx := context.Background()

	ok, err := client.ValidateOrder(ctx, "5001", "buyer@example.com")
	if err != nil {
		t.Fatalf("ValidateOrder failed: %v", err)
	}
	if !ok {
		t.Error("matching order and email should validate")
	}

	ok, err = client.ValidateOrder(ctx, "5002", "buyer@example.com")
	if err != nil {
		t.Fatalf("ValidateOrder failed: %v", err)
	}
	if ok {
		t.Error("mismatched email must not validate")
	}

	ok, err = client.ValidateOrder(ctx, "9999", "buyer@example.com")
	if err != nil {
		t.Fatalf("unknown order should not be an error: %v", err)
	}
	if ok {
		t.Error("unknown order must not validate")
	}
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		json.NewEncoder(w).Encode(productsResponse{})
	}))
	defer server.Close()

	client := testClient(server.URL, nil)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
