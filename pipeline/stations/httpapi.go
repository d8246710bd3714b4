package stations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type (
	// APIConfig points one of the HTTP validator clients at its service.
	APIConfig struct {
		// BaseURL is the service root. Required.
		BaseURL string
		// APIKey is sent as a bearer token when set.
		APIKey string
		// HTTPClient overrides the transport. Defaults to a 10 s client.
		HTTPClient *http.Client
	}

	// CarrierAPI is the HTTP carrier-lookup client. It satisfies
	// CarrierLookup; the gatekeep station fails open on its errors.
	CarrierAPI struct{ api apiClient }

	// DNCAPI is the HTTP do-not-call registry client.
	DNCAPI struct{ api apiClient }

	// DemographicsHTTP is the HTTP zipcode-demographics client.
	DemographicsHTTP struct{ api apiClient }

	// TraceAPI is the HTTP skip-trace client.
	TraceAPI struct{ api apiClient }

	apiClient struct {
		base   string
		key    string
		client *http.Client
	}
)

// NewCarrierAPI creates the carrier-lookup client.
func NewCarrierAPI(cfg APIConfig) *CarrierAPI { return &CarrierAPI{api: newAPIClient(cfg)} }

// NewDNCAPI creates the do-not-call registry client.
func NewDNCAPI(cfg APIConfig) *DNCAPI { return &DNCAPI{api: newAPIClient(cfg)} }

// NewDemographicsHTTP creates the demographics client.
func NewDemographicsHTTP(cfg APIConfig) *DemographicsHTTP {
	return &DemographicsHTTP{api: newAPIClient(cfg)}
}

// NewTraceAPI creates the skip-trace client.
func NewTraceAPI(cfg APIConfig) *TraceAPI { return &TraceAPI{api: newAPIClient(cfg)} }

func newAPIClient(cfg APIConfig) apiClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return apiClient{base: cfg.BaseURL, key: cfg.APIKey, client: client}
}

// Lookup validates the phone and identifies its carrier.
func (c *CarrierAPI) Lookup(ctx context.Context, phone string) (CarrierInfo, error) {
	var out struct {
		Valid    bool   `json:"valid"`
		Mobile   bool   `json:"mobile"`
		VOIP     bool   `json:"voip"`
		Landline bool   `json:"landline"`
		Carrier  string `json:"carrier"`
	}
	if err := c.api.post(ctx, "/v1/lookup", map[string]string{"phone": phone}, &out); err != nil {
		return CarrierInfo{}, err
	}
	return CarrierInfo{
		Valid:    out.Valid,
		Mobile:   out.Mobile,
		VOIP:     out.VOIP,
		Landline: out.Landline,
		Carrier:  out.Carrier,
	}, nil
}

// Check consults the registry for the phone.
func (d *DNCAPI) Check(ctx context.Context, phone string) (DNCResult, error) {
	var out struct {
		Status     string `json:"status"`
		CanContact bool   `json:"can_contact"`
	}
	if err := d.api.post(ctx, "/v1/check", map[string]string{"phone": phone}, &out); err != nil {
		return DNCResult{}, err
	}
	return DNCResult{Status: out.Status, CanContact: out.CanContact}, nil
}

// ByZip estimates demographics for the zipcode.
func (d *DemographicsHTTP) ByZip(ctx context.Context, zipcode string) (Demographics, error) {
	var out struct {
		Income      string `json:"income"`
		IncomeRange string `json:"income_range"`
		Age         string `json:"median_age"`
		Address     string `json:"address"`
	}
	if err := d.api.post(ctx, "/v1/demographics", map[string]string{"zipcode": zipcode}, &out); err != nil {
		return Demographics{}, err
	}
	return Demographics{
		Income:      out.Income,
		IncomeRange: out.IncomeRange,
		Age:         out.Age,
		Address:     out.Address,
	}, nil
}

// Trace runs a paid people search for the lead.
func (t *TraceAPI) Trace(ctx context.Context, firstName, lastName, city, state string) (string, string, error) {
	var out struct {
		Phone string `json:"phone"`
		Email string `json:"email"`
	}
	err := t.api.post(ctx, "/v1/trace", map[string]string{
		"first_name": firstName,
		"last_name":  lastName,
		"city":       city,
		"state":      state,
	}, &out)
	if err != nil {
		return "", "", err
	}
	return out.Phone, out.Email, nil
}

func (c apiClient) post(ctx context.Context, path string, in, out any) error {
	if c.base == "" {
		return fmt.Errorf("api base url not configured")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("call %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
