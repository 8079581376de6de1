package dispatch

import (
	"context"
	"errors"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	logx "taskping/pkg/logx"
)

// fcmProvider delivers through Firebase Cloud Messaging.
type fcmProvider struct {
	client *messaging.Client
	log    logx.Logger
}

// NewFCM builds the FCM provider from a service-account credentials
// file. A missing or unreadable file is a configuration error the
// caller should treat as fatal.
func NewFCM(ctx context.Context, credentialsFile string, log logx.Logger) (Provider, error) {
	if strings.TrimSpace(credentialsFile) == "" {
		return nil, errors.New("push credentials file is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, err
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, err
	}
	return &fcmProvider{client: client, log: log}, nil
}

func (p *fcmProvider) Send(ctx context.Context, m Message) Outcome {
	id, err := p.client.Send(ctx, toFCM(m))
	if err != nil {
		return classify(err)
	}
	return Outcome{Code: OutcomeOK, ProviderID: id}
}

func (p *fcmProvider) Validate(ctx context.Context, token string) error {
	_, err := p.client.SendDryRun(ctx, &messaging.Message{
		Token: token,
		Data:  map[string]string{"type": "validation"},
	})
	return err
}

func (p *fcmProvider) SendEach(ctx context.Context, msgs []Message) ([]Outcome, error) {
	batch := make([]*messaging.Message, len(msgs))
	for i, m := range msgs {
		batch[i] = toFCM(m)
	}
	br, err := p.client.SendEach(ctx, batch)
	if err != nil {
		return nil, err
	}
	out := make([]Outcome, len(br.Responses))
	for i, r := range br.Responses {
		if r.Success {
			out[i] = Outcome{Code: OutcomeOK, ProviderID: r.MessageID}
		} else {
			out[i] = classify(r.Error)
		}
	}
	return out, nil
}

func toFCM(m Message) *messaging.Message {
	return &messaging.Message{
		Token: m.Token,
		Notification: &messaging.Notification{
			Title: m.Title,
			Body:  m.Body,
		},
		Data: m.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound: "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
	}
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Code: OutcomeOK}
	case messaging.IsUnregistered(err):
		return Outcome{Code: OutcomeUnregistered, Err: err}
	case messaging.IsSenderIDMismatch(err):
		return Outcome{Code: OutcomeSenderMismatch, Err: err}
	default:
		return Outcome{Code: OutcomeError, Err: err}
	}
}
