// Package client is a typed HTTP client for the jobbridge API. It mirrors the
// server's JSON shapes and carries the reconciliation poller that keeps a
// caller's view of a negotiation converged even when realtime events are lost.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Negotiation is the wire representation of a negotiation record.
type Negotiation struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	JobID        string  `json:"jobId"`
	ClientID     string  `json:"clientId"`
	WorkerID     string  `json:"workerId"`
	Message      string  `json:"message"`
	ProposedRate float64 `json:"proposedRate"`
	Status       string  `json:"status"`
	ClientAgreed bool    `json:"clientAgreed"`
	WorkerAgreed bool    `json:"workerAgreed"`
	ContractID   *string `json:"contractId"`
	CreatedAt    string  `json:"createdAt"`
	UpdatedAt    string  `json:"updatedAt"`
}

// Contract is the wire representation of a contract.
type Contract struct {
	ID            string   `json:"id"`
	NegotiationID string   `json:"negotiationId"`
	JobID         string   `json:"jobId"`
	ClientID      string   `json:"clientId"`
	WorkerID      string   `json:"workerId"`
	Rate          float64  `json:"rate"`
	Type          string   `json:"type"`
	Status        string   `json:"status"`
	CancelReason  *string  `json:"cancelReason"`
	ClientRating  *int     `json:"clientRating"`
	WorkerRating  *int     `json:"workerRating"`
	ClientComment *string  `json:"clientFeedback"`
	WorkerComment *string  `json:"workerFeedback"`
	CreatedAt     string   `json:"createdAt"`
	UpdatedAt     string   `json:"updatedAt"`
}

// TimelineEntry is one negotiation timeline event.
type TimelineEntry struct {
	ID            int64           `json:"id"`
	NegotiationID string          `json:"negotiationId"`
	EventType     string          `json:"eventType"`
	ActorID       *string         `json:"actorId"`
	Snapshot      json.RawMessage `json:"snapshot"`
	CreatedAt     string          `json:"createdAt"`
}

// APIError is a decoded non-2xx response.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to one jobbridge API server on behalf of one user session.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient overrides the underlying transport. Tests use it to drop the
// default timeout.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// SetToken installs the bearer token used for authenticated calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// LoginResult is the login response payload.
type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// User is the wire representation of an account.
type User struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	FullName    string  `json:"fullName"`
	Role        string  `json:"role"`
	Rating      float64 `json:"rating"`
	RatingCount int     `json:"ratingCount"`
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, email, password, fullName, role string) (User, error) {
	var out User
	err := c.do(ctx, http.MethodPost, "/api/auth/register", map[string]any{
		"email": email, "password": password, "full_name": fullName, "role": role,
	}, &out)
	return out, err
}

// Login authenticates and stores the session token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]any{
		"email": email, "password": password,
	}, &out)
	if err == nil {
		c.token = out.Token
	}
	return out, err
}

// CreateNegotiation opens an application (worker caller) or invitation
// (client caller) against a job.
func (c *Client) CreateNegotiation(ctx context.Context, jobID, counterpartyID, message string, proposedRate float64) (Negotiation, error) {
	var out Negotiation
	err := c.do(ctx, http.MethodPost, "/api/negotiations", map[string]any{
		"jobId":        jobID,
		"counterparty": counterpartyID,
		"message":      message,
		"proposedRate": proposedRate,
	}, &out)
	return out, err
}

// GetNegotiation fetches one negotiation the caller participates in.
func (c *Client) GetNegotiation(ctx context.Context, id string) (Negotiation, error) {
	var out Negotiation
	err := c.do(ctx, http.MethodGet, "/api/negotiations/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListNegotiations returns the caller's negotiations.
func (c *Client) ListNegotiations(ctx context.Context) ([]Negotiation, error) {
	var out struct {
		Items []Negotiation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/api/negotiations", nil, &out)
	return out.Items, err
}

// Respond accepts or rejects a pending negotiation.
func (c *Client) Respond(ctx context.Context, id string, accept bool) (Negotiation, error) {
	var out Negotiation
	err := c.do(ctx, http.MethodPost, "/api/negotiations/"+url.PathEscape(id)+"/respond", map[string]any{
		"accept": accept,
	}, &out)
	return out, err
}

// StartDiscussion moves a negotiation into the discussion phase.
func (c *Client) StartDiscussion(ctx context.Context, id string) (Negotiation, error) {
	var out Negotiation
	err := c.do(ctx, http.MethodPost, "/api/negotiations/"+url.PathEscape(id)+"/discussion", nil, &out)
	return out, err
}

// SetAgreement records or withdraws the caller's consent flag.
func (c *Client) SetAgreement(ctx context.Context, id string, agreed bool) (Negotiation, error) {
	var out Negotiation
	err := c.do(ctx, http.MethodPost, "/api/negotiations/"+url.PathEscape(id)+"/agreement", map[string]any{
		"agreed": agreed,
	}, &out)
	return out, err
}

// Timeline returns the negotiation's event history.
func (c *Client) Timeline(ctx context.Context, id string) ([]TimelineEntry, error) {
	var out struct {
		Items []TimelineEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/api/negotiations/"+url.PathEscape(id)+"/timeline", nil, &out)
	return out.Items, err
}

// GetContract fetches one contract the caller participates in.
func (c *Client) GetContract(ctx context.Context, id string) (Contract, error) {
	var out Contract
	err := c.do(ctx, http.MethodGet, "/api/contracts/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListContracts returns the caller's contracts.
func (c *Client) ListContracts(ctx context.Context) ([]Contract, error) {
	var out struct {
		Items []Contract `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/api/contracts", nil, &out)
	return out.Items, err
}

// StartWork moves an active contract into progress (worker only).
func (c *Client) StartWork(ctx context.Context, id string) (Contract, error) {
	return c.contractAction(ctx, id, "start", nil)
}

// CompleteWork marks the work finished (worker only).
func (c *Client) CompleteWork(ctx context.Context, id string) (Contract, error) {
	return c.contractAction(ctx, id, "complete", nil)
}

// ConfirmCompletion confirms delivered work (client only).
func (c *Client) ConfirmCompletion(ctx context.Context, id string) (Contract, error) {
	return c.contractAction(ctx, id, "confirm", nil)
}

// Cancel cancels a not-yet-completed contract.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Contract, error) {
	return c.contractAction(ctx, id, "cancel", map[string]any{"reason": reason})
}

// SubmitFeedback records the caller's rating and comment on a completed
// contract.
func (c *Client) SubmitFeedback(ctx context.Context, contractID string, rating int, comment string) (Contract, error) {
	var out Contract
	err := c.do(ctx, http.MethodPost, "/api/contracts/"+url.PathEscape(contractID)+"/feedback", map[string]any{
		"rating":  rating,
		"comment": comment,
	}, &out)
	return out, err
}

func (c *Client) contractAction(ctx context.Context, id, action string, body map[string]any) (Contract, error) {
	var out Contract
	err := c.do(ctx, http.MethodPost, "/api/contracts/"+url.PathEscape(id)+"/"+action, body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
