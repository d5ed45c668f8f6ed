package services

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// Notifier sends a push notification to a device token. Implementations
// report whether the message was delivered; failures are non-fatal to
// dispatch since the relay store covers polling clients.
type Notifier interface {
	Notify(ctx context.Context, token, title, body string, data map[string]string) (bool, error)
}

// FCMNotifier delivers pushes through Firebase Cloud Messaging.
type FCMNotifier struct {
	client *messaging.Client
}

// NewFCMNotifier initializes the Firebase Admin SDK. Returns nil (not an
// error) when no credentials are configured so pushes degrade silently.
func NewFCMNotifier(ctx context.Context, credentialsPath string) (*FCMNotifier, error) {
	if credentialsPath == "" {
		log.Println("Warning: FIREBASE_SERVICE_ACCOUNT_PATH not set. Push notifications will be disabled.")
		return nil, nil
	}

	opt := option.WithCredentialsFile(credentialsPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %v", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %v", err)
	}

	return &FCMNotifier{client: client}, nil
}

// Notify sends one push notification.
func (n *FCMNotifier) Notify(ctx context.Context, token, title, body string, data map[string]string) (bool, error) {
	if n == nil || n.client == nil || token == "" {
		return false, nil
	}

	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	if _, err := n.client.Send(ctx, message); err != nil {
		return false, err
	}
	return true, nil
}
