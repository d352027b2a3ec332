package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNoReceipt is returned when the extraction service explicitly
// reports that the image contains no usable receipt (blurry, empty,
// not a receipt). Reprocessing the same image will not help, so
// callers must not retry on this error.
var ErrNoReceipt = errors.New("no receipt detected")

// ExtractedData is the structured result of one extraction call.
// Numeric fields arrive as strings from the wire; callers coerce them
// and supply defaults for anything missing.
type ExtractedData struct {
	MerchantName    string     `json:"merchantName"`
	MerchantAddress string     `json:"merchantAddress"`
	PurchaseDate    string     `json:"purchaseDate"`
	Subtotal        string     `json:"subtotal"`
	TaxTotal        string     `json:"taxTotal"`
	GrandTotal      string     `json:"grandTotal"`
	Currency        string     `json:"currency"`
	CategoryGuess   string     `json:"categoryGuess"`
	LineItems       []LineItem `json:"lineItems"`
}

type LineItem struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
}

// Extractor converts a reachable image URL into structured data.
type Extractor interface {
	Extract(ctx context.Context, imageURL, fileType string) (ExtractedData, error)
}

// Client calls the external extraction API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a client with the provided endpoint and key.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("extraction base URL required")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("extraction api key required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Extract submits the presigned image URL and decodes the structured
// response. A "no receipt" verdict from the service maps to
// ErrNoReceipt; everything else (transport, timeout, bad JSON) is a
// transient failure the caller may retry.
func (c *Client) Extract(ctx context.Context, imageURL, fileType string) (ExtractedData, error) {
	reqBody := extractRequest{
		ImageURL: imageURL,
		FileType: fileType,
	}
	var resp extractResponse
	if err := c.doJSON(ctx, c.baseURL+"/v1/extract", reqBody, &resp); err != nil {
		return ExtractedData{}, err
	}
	if !resp.ReceiptDetected {
		reason := strings.TrimSpace(resp.Reason)
		if reason == "" {
			reason = "image too ambiguous"
		}
		return ExtractedData{}, fmt.Errorf("%w: %s", ErrNoReceipt, reason)
	}
	return resp.Data, nil
}

func (c *Client) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Code == "no_receipt_detected" {
			return fmt.Errorf("%w: %s", ErrNoReceipt, errResp.Error.Message)
		}
		if errResp.Error.Message != "" {
			return fmt.Errorf("extraction api error: %s", errResp.Error.Message)
		}
		return fmt.Errorf("extraction api error: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

type extractRequest struct {
	ImageURL string `json:"imageUrl"`
	FileType string `json:"fileType,omitempty"`
}

type extractResponse struct {
	ReceiptDetected bool          `json:"receiptDetected"`
	Reason          string        `json:"reason,omitempty"`
	Data            ExtractedData `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
