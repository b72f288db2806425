package api

// envelope is the body of every JSON response.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createSubscriptionRequest struct {
	PlanID       string `json:"planId"`
	BillingCycle string `json:"billingCycle"`
}

type changePlanRequest struct {
	PlanID string `json:"planId"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type addPaymentMethodRequest struct {
	PaymentMethodID string `json:"paymentMethodId"`
}

type webhookAck struct {
	Received bool `json:"received"`
}
