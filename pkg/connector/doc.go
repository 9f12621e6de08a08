// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements the Bob bridge between a WhatsApp account and
// the Bob HTTP backend.
//
// Inbound direct messages are routed by sender. Senders on the allow list are
// answered through the backend's /webhook endpoint; everyone else has their
// message recorded through /teach and gets no reply. Group chats, broadcasts
// and the account's own messages are ignored.
//
// # Core Types
//
// [BobConnector] wires everything together and owns the admin API
// (GET /api/status).
//
// [BridgeClient] supervises the WhatsApp session. It replaces the
// [Transport] after a recoverable disconnect with exponential backoff and
// stops for good after a logout or once the reconnect budget is spent.
//
// [RoutingPolicy] is the pure routing decision; [MessageHandler] executes it
// against the [BackendGateway] and sends replies, apologizing once in the
// chat when something fails.
//
// [Dispatcher] runs each chat's messages as tracked tasks, one at a time per
// sender, so a slow backend reply never blocks other chats.
//
// # Sub-packages
//
//   - whatsappfmt converts markdown backend replies to WhatsApp markup.
package connector
