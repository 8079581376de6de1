// Package dispatch renders push notifications and delivers them
// through a provider (FCM in production, a fake in tests). Providers
// classify their error surface into outcome codes so callers can react
// to dead tokens without knowing provider error types.
package dispatch
