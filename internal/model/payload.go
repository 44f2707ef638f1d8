package model

import (
	"encoding/json"
	"time"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/utils"
)

// WebhookPayload is the structured body the CRM platform posts to the webhook
// endpoint. Only the fields the engine consumes are declared; the platform
// sends plenty more that we deliberately ignore.
type WebhookPayload struct {
	Event      string `json:"event" validate:"required"`
	LeadID     string `json:"lead_id" validate:"required,max=64"`
	DeliveryID string `json:"delivery_id" validate:"required,max=128"`
	AccountID  string `json:"account_id,omitempty"`
}

// Lead is the narrow, validated view of a lead's canonical CRM state. The raw
// platform payload is duck-typed and much wider; everything the engine does not
// consume stays inside Raw and is persisted verbatim as the audit snapshot.
type Lead struct {
	ID         string    `json:"id" validate:"required"`
	Stage      string    `json:"stage" validate:"required"`
	Name       string    `json:"name,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	Region     string    `json:"region,omitempty"`
	OwnerName  string    `json:"owner_name,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`

	// Raw is the unmodified response body the lead view was decoded from.
	Raw json.RawMessage `json:"-"`
}

// flexibleID accepts lead identifiers sent either as JSON numbers or strings;
// the CRM API is not consistent about which.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

// leadWire mirrors the CRM API response shape. Timestamps arrive as unix
// seconds, the stage label under "status".
type leadWire struct {
	ID         flexibleID  `json:"id"`
	Status     string      `json:"status"`
	Name       string      `json:"name"`
	Tags       []string    `json:"tags"`
	CampaignID string      `json:"campaign_id"`
	Channel    string      `json:"channel"`
	Region     string      `json:"region"`
	OwnerName  string      `json:"owner_name"`
	UpdatedAt  int64       `json:"updated_at"`
}

// ParseLead decodes a raw CRM API response into the narrow Lead view,
// retaining the original bytes for the audit snapshot.
func ParseLead(raw []byte) (*Lead, error) {
	var wire leadWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}

	lead := &Lead{
		ID:         string(wire.ID),
		Stage:      wire.Status,
		Name:       wire.Name,
		Tags:       wire.Tags,
		CampaignID: wire.CampaignID,
		Channel:    wire.Channel,
		Region:     wire.Region,
		OwnerName:  wire.OwnerName,
		Raw:        json.RawMessage(append([]byte(nil), raw...)),
	}
	lead.UpdatedAt = utils.UnixToTime(wire.UpdatedAt)
	return lead, nil
}
