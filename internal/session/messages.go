// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package session

import "encoding/json"

// Envelope is the wire frame of the signaling protocol. Every message in
// both directions is {action, data}.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Client-initiated actions.
const (
	ActionGetRtpCapabilities        = "get-rtpCapabilities"
	ActionGetChannels               = "get-channels"
	ActionCreatePublisherTransport  = "create-publisher-transport"
	ActionConnectPublisherTransport = "connect-publisher-transport"
	ActionProduceAudio              = "produce-audio"
	ActionCreateListenerTransport   = "create-listener-transport"
	ActionConnectListenerTransport  = "connect-listener-transport"
	ActionConsumeAudio              = "consume-audio"
	ActionStopBroadcasting          = "stop-broadcasting"
	ActionLeaveChannel              = "leave-channel"
	ActionAdminCreateChannel        = "admin-create-channel"
	ActionAdminDeleteChannel        = "admin-delete-channel"
	ActionAdminGetSubscribers       = "admin-get-channels-subscribers"
	ActionAdminRemoveSubscriber     = "admin-remove-subscriber"
	ActionAdminChangePublisher      = "admin-change-publisher-channel"
)

// Server-initiated actions.
const (
	ActionRtpCapabilities             = "rtpCapabilities"
	ActionChannelList                 = "channel-list"
	ActionPublisherTransportCreated   = "publisher-transport-created"
	ActionPublisherTransportConnected = "publisher-transport-connected"
	ActionProduced                    = "produced"
	ActionListenerTransportCreated    = "listener-transport-created"
	ActionListenerTransportConnected  = "listener-transport-connected"
	ActionConsumerCreated             = "consumer-created"
	ActionProducerStopped             = "producer-stopped"
	ActionWaitingForPublisher         = "waiting-for-publisher"
	ActionBroadcastingStopped         = "broadcasting-stopped"
	ActionForcedDisconnect            = "forced-disconnect"
	ActionListenerCount               = "listener-count"
	ActionChannelsSubscribers         = "channels-subscribers"
	ActionChannelCreated              = "channel-created"
	ActionChannelDeleted              = "channel-deleted"
	ActionSubscriberRemoved           = "subscriber-removed"
	ActionAdminChannelChanged         = "admin-channel-changed"
	ActionError                       = "error"
)

type channelRequest struct {
	ChannelID string `json:"channelId"`
}

type createListenerRequest struct {
	ChannelID   string `json:"channelId"`
	DisplayName string `json:"displayName"`
}

type connectRequest struct {
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

type produceRequest struct {
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

type consumeRequest struct {
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type removeSubscriberRequest struct {
	ChannelID  string `json:"channelId"`
	ConsumerID string `json:"consumerId"`
}

type changePublisherRequest struct {
	PublisherID  string `json:"publisherId"`
	NewChannelID string `json:"newChannelId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type channelListPayload struct {
	Channels []string `json:"channels"`
}

type producedPayload struct {
	ID string `json:"id"`
}

type consumerPayload struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

type producerStoppedPayload struct {
	ProducerID string `json:"producerId"`
}

type listenerCountPayload struct {
	Count     int    `json:"count"`
	ChannelID string `json:"channelId"`
}

type subscriberInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type connectedPayload struct {
	DtlsParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}
