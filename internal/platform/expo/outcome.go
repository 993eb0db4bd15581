package expo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// Ticket is the per-message outcome returned by the relay.
type Ticket struct {
	Status  string         `json:"status"`
	ID      string         `json:"id,omitempty"`
	Message string         `json:"message,omitempty"`
	Details *TicketDetails `json:"details,omitempty"`
}

type TicketDetails struct {
	Error string `json:"error,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"

	errDeviceNotRegistered = "DeviceNotRegistered"
	msgNotRegistered       = "not a registered push notification recipient"
)

// ParseTickets accepts a bare array, a {"data": [...]} wrapper, or a
// wrapper around a single ticket object.
func ParseTickets(body []byte) ([]Ticket, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty expo response")
	}

	if trimmed[0] == '[' {
		var tickets []Ticket
		if err := json.Unmarshal(trimmed, &tickets); err != nil {
			return nil, fmt.Errorf("failed to decode expo tickets: %w", err)
		}
		return tickets, nil
	}

	var wrapper struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode expo response: %w", err)
	}

	data := bytes.TrimSpace(wrapper.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		if len(wrapper.Errors) > 0 {
			return nil, fmt.Errorf("expo rejected request: %s: %s", wrapper.Errors[0].Code, wrapper.Errors[0].Message)
		}
		return nil, fmt.Errorf("expo response has no data")
	}

	if data[0] == '[' {
		var tickets []Ticket
		if err := json.Unmarshal(data, &tickets); err != nil {
			return nil, fmt.Errorf("failed to decode expo tickets: %w", err)
		}
		return tickets, nil
	}

	var single Ticket
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("failed to decode expo ticket: %w", err)
	}
	return []Ticket{single}, nil
}

// IsNotRegistered reports whether the ticket says the device is gone for good,
// by structured code or by the human-readable message.
func (t Ticket) IsNotRegistered() bool {
	if t.Details != nil && t.Details.Error == errDeviceNotRegistered {
		return true
	}
	return strings.Contains(t.Message, errDeviceNotRegistered) || strings.Contains(t.Message, msgNotRegistered)
}

func (t Ticket) reason() string {
	if t.Details != nil && t.Details.Error != "" {
		return t.Details.Error
	}
	return t.Message
}

// Interpret maps tickets onto the chunk they answer, by position.
// Positions the relay did not answer count as failed.
func Interpret(chunk []dispatch.Recipient, tickets []Ticket, logger *slog.Logger) dispatch.Result {
	res := dispatch.Result{Provider: dispatch.ProviderExpo, Attempted: len(chunk)}

	if len(tickets) != len(chunk) {
		logger.Warn("Ticket count does not match chunk size", "tickets", len(tickets), "chunk", len(chunk))
	}

	for i, r := range chunk {
		if i >= len(tickets) {
			res.Failed++
			continue
		}
		t := tickets[i]
		switch {
		case t.Status == statusOK:
			res.Sent++
		case t.Status == statusError && t.IsNotRegistered():
			res.Invalid = append(res.Invalid, dispatch.Invalidation{DocID: r.DocID, Reason: errDeviceNotRegistered})
		default:
			// Transient or configuration problem: the token stays valid.
			res.Failed++
			logger.Warn("Expo rejected message", "doc_id", r.DocID, "status", t.Status, "reason", t.reason())
		}
	}
	return res
}
