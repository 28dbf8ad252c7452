/*
Package events distributes conductor signals to subscribers.

Cells emit app signals and countersigning outcomes; the conductor emits app
lifecycle notices. The broker fans these out to buffered subscriber
channels, dropping to slow consumers rather than blocking emitters. The app
interface bridges subscriptions onto authenticated websocket connections.
*/
package events
