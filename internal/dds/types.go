package dds

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlexString is a string type that can unmarshal from both string and number
// JSON values. The store API is inconsistent about numeric ids.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler for FlexString
func (f *FlexString) UnmarshalJSON(data []byte) error {
	// Try string first
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}

	// Try number (int or float)
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexString(n.String())
		return nil
	}

	return fmt.Errorf("FlexString: cannot unmarshal %s", string(data))
}

// String returns the string value
func (f FlexString) String() string {
	return string(f)
}

// Config holds DDS API configuration.
type Config struct {
	BaseURL      string
	APIKey       string
	Token        string
	Timeout      time.Duration
	MaxRetries   int
	MinInterval  time.Duration
	ProductCodes map[string]string // short code -> title fragment
	BatchBuffer  int               // in-flight sales batches, default 4
}

// Customer is a store customer record.
type Customer struct {
	ID        FlexString `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
}

// Product is a store product.
type Product struct {
	ID    FlexString `json:"id"`
	Name  string     `json:"name"`
	Price float64    `json:"price,omitempty"`
}

// Sale is one completed order.
type Sale struct {
	ID       FlexString    `json:"id"`
	Key      string        `json:"key,omitempty"`
	Email    string        `json:"email"`
	Date     string        `json:"date,omitempty"`
	Total    float64       `json:"total,omitempty"`
	Products []SaleProduct `json:"products,omitempty"`
}

// SaleProduct is a product line inside a sale.
type SaleProduct struct {
	ID   FlexString `json:"id"`
	Name string     `json:"name"`
}

// SalesPage is one page of sales plus the distinct purchaser emails, the
// shape the membership stage consumes.
type SalesPage struct {
	Emails []string
	Sales  []Sale
}

// SalesBatch is one element of the lazy batched sales sequence. A non-nil
// Err terminates the sequence.
type SalesBatch struct {
	Page   int
	Emails []string
	Sales  []Sale
	Err    error
}

// wire envelopes

type customersResponse struct {
	Customers []Customer `json:"customers"`
}

type productsResponse struct {
	Products []Product `json:"products"`
}

type salesResponse struct {
	Sales []Sale `json:"sales"`
}
