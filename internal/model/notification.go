package model

type (
	// Notification is the payload handed to the external push collaborator.
	Notification struct {
		PlatformID int64  `json:"platform_id"`
		Title      string `json:"title"`
		Body       string `json:"body"`
		TargetURL  string `json:"target_url"`
	}

	// DeliveryState is the collaborator's classification of a dispatch.
	// The dispatcher only logs it, it never acts on it.
	DeliveryState string
)

const (
	DeliveryDelivered   DeliveryState = "delivered"
	DeliveryNoRoute     DeliveryState = "no-route"
	DeliveryRateLimited DeliveryState = "rate-limited"
	DeliveryError       DeliveryState = "error"
)
