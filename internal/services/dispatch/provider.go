package dispatch

import "context"

// OutcomeCode classifies a provider-level delivery result.
type OutcomeCode string

const (
	OutcomeOK OutcomeCode = "ok"
	// OutcomeUnregistered means the device token is no longer known to
	// the provider; the stored token should be marked invalid.
	OutcomeUnregistered   OutcomeCode = "unregistered"
	OutcomeSenderMismatch OutcomeCode = "sender_mismatch"
	OutcomeError          OutcomeCode = "error"
)

// Outcome is the result of one send attempt.
type Outcome struct {
	Code       OutcomeCode
	ProviderID string // provider message id on success
	Err        error
}

func (o Outcome) OK() bool { return o.Code == OutcomeOK }

// String returns the provider response to record in delivery history.
func (o Outcome) String() string {
	if o.OK() {
		return o.ProviderID
	}
	if o.Err != nil {
		return string(o.Code) + ": " + o.Err.Error()
	}
	return string(o.Code)
}

// Message is one rendered push notification.
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Provider performs the actual delivery calls. Implementations own the
// classification of their error surface into outcome codes.
type Provider interface {
	Send(ctx context.Context, m Message) Outcome
	// Validate performs a zero-effect dry-run send; a nil error means
	// the token is deliverable.
	Validate(ctx context.Context, token string) error
	// SendEach delivers every message and returns one outcome per
	// message; a single failure never aborts the batch.
	SendEach(ctx context.Context, msgs []Message) ([]Outcome, error)
}
