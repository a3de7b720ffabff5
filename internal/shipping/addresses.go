package shipping

import (
	"context"
	"net/http"
	"strings"

	"github.com/hanko-field/marketplace/internal/domain"
)

// VerifyAddress runs carrier delivery verification on address. Undeliverable addresses are
// reported through AddressVerification.Errors rather than as an error.
func (c *Client) VerifyAddress(ctx context.Context, address domain.Address) (domain.AddressVerification, error) {
	var verified wireAddress
	payload := map[string]any{
		"address": toWireAddress(address),
		"verify":  []string{"delivery"},
	}
	if err := c.do(ctx, http.MethodPost, "/v2/addresses", payload, &verified); err != nil {
		return domain.AddressVerification{}, err
	}

	result := domain.AddressVerification{}
	if verified.Verifications == nil || verified.Verifications.Delivery == nil {
		result.Errors = []string{"verification unavailable"}
		return result, nil
	}

	delivery := verified.Verifications.Delivery
	result.Success = delivery.Success
	for _, e := range delivery.Errors {
		msg := strings.TrimSpace(e.Message)
		if msg == "" {
			continue
		}
		if e.Field != "" {
			msg = e.Field + ": " + msg
		}
		result.Errors = append(result.Errors, msg)
	}
	if delivery.Success {
		corrected := fromWireAddress(verified)
		// Carriers tend to drop the recipient name from the normalised address.
		if corrected.Recipient == "" {
			corrected.Recipient = address.Recipient
		}
		result.Corrected = &corrected
	}
	return result, nil
}
