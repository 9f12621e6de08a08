// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/whatsapp-bob/pkg/connector"
)

// lifecycleFor maps a whatsmeow connection event to a lifecycle event. The
// second return value is false for events that do not affect the session.
func lifecycleFor(rawEvt any) (connector.LifecycleEvent, bool) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		return connector.LifecycleEvent{Connection: connector.StateOpen}, true
	case *events.Disconnected:
		return closed(connector.CauseConnectionLost, nil), true
	case *events.LoggedOut:
		return closed(connector.CauseLoggedOut, fmt.Errorf("logged out: %v", evt.Reason)), true
	case *events.StreamReplaced:
		return closed(connector.CauseStreamReplaced, nil), true
	case *events.ConnectFailure:
		return closed(connector.CauseConnectFailure, fmt.Errorf("connect failure %v: %s", evt.Reason, evt.Message)), true
	case *events.TemporaryBan:
		return closed(connector.CauseTemporaryBan, fmt.Errorf("temporary ban: %v", evt.Code)), true
	case *events.ClientOutdated:
		return closed(connector.CauseClientOutdated, nil), true
	}
	return connector.LifecycleEvent{}, false
}

// qrLifecycle maps an item from the pairing channel.
func qrLifecycle(item whatsmeow.QRChannelItem) (connector.LifecycleEvent, bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		return connector.LifecycleEvent{QRCode: item.Code}, true
	case whatsmeow.QRChannelSuccess.Event:
		// Connected follows once the paired session is up.
		return connector.LifecycleEvent{}, false
	case whatsmeow.QRChannelTimeout.Event:
		return closed(connector.CauseQRTimeout, errors.New("qr code was not scanned in time")), true
	case whatsmeow.QRChannelClientOutdated.Event:
		return closed(connector.CauseClientOutdated, nil), true
	}
	err := item.Error
	if err == nil {
		err = fmt.Errorf("pairing failed: %s", item.Event)
	}
	return closed(connector.CauseConnectFailure, err), true
}

func closed(cause connector.DisconnectCause, err error) connector.LifecycleEvent {
	return connector.LifecycleEvent{Connection: connector.StateClosed, Cause: cause, Err: err}
}
