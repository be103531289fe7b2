// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package entity

import (
	"time"
)

// Recording status constants.
const (
	RecordingStatusRecording = "recording"
	RecordingStatusStopped   = "stopped"
	RecordingStatusError     = "error"
)

// Tenant is an authenticated organization owning rooms, publishers,
// recordings and transcripts.
type Tenant struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Name      string    `json:"name" gorm:"column:name;type:varchar(120);not null;uniqueIndex"`
	APIKey    string    `json:"-" gorm:"column:api_key;type:varchar(80);not null;uniqueIndex"`
	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at;not null"`
}

func (Tenant) TableName() string { return "tenants" }

// Room is a tenant-owned broadcast space. Slug is globally unique;
// (tenant_id, name) is unique per tenant.
type Room struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID       int64     `json:"tenantId" gorm:"column:tenant_id;not null;index;uniqueIndex:idx_rooms_tenant_name"`
	Name           string    `json:"name" gorm:"column:name;type:varchar(120);not null;uniqueIndex:idx_rooms_tenant_name"`
	Slug           string    `json:"slug" gorm:"column:slug;type:varchar(120);not null;uniqueIndex"`
	IsLocalOnly    bool      `json:"isLocalOnly" gorm:"column:is_local_only;not null;default:true"`
	SfuURL         string    `json:"sfuUrl" gorm:"column:sfu_url;type:text;not null;default:''"`
	IceServersJSON string    `json:"iceServersJson" gorm:"column:ice_servers_json;type:text;not null;default:'[]'"`
	CreatedAt      time.Time `json:"createdAt" gorm:"column:created_at;not null"`
}

func (Room) TableName() string { return "rooms" }

// Publisher is a named audio source allowed to broadcast into one channel
// of a room. The clear join token is produced at creation, shown once, and
// stored only as a salted bcrypt hash.
type Publisher struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	RoomID         int64     `json:"roomId" gorm:"column:room_id;not null;index;uniqueIndex:idx_publishers_room_name"`
	Name           string    `json:"name" gorm:"column:name;type:varchar(120);not null;uniqueIndex:idx_publishers_room_name"`
	ChannelName    string    `json:"channelName" gorm:"column:channel_name;type:varchar(120);not null"`
	SourceLanguage string    `json:"sourceLanguage" gorm:"column:source_language;type:varchar(16);not null;default:'en'"`
	JoinTokenHash  string    `json:"-" gorm:"column:join_token_hash;type:varchar(80);not null"`
	CreatedAt      time.Time `json:"createdAt" gorm:"column:created_at;not null"`
}

func (Publisher) TableName() string { return "publishers" }

// Recording is one capture session for a room. A room has at most one
// recording in status "recording" at any time.
type Recording struct {
	ID         int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	RoomID     int64      `json:"roomId" gorm:"column:room_id;not null;index"`
	FolderName string     `json:"folderName" gorm:"column:folder_name;type:varchar(200);not null"`
	Status     string     `json:"status" gorm:"column:status;type:varchar(20);not null;default:recording;index"`
	StartedAt  time.Time  `json:"startedAt" gorm:"column:started_at;not null"`
	StoppedAt  *time.Time `json:"stoppedAt" gorm:"column:stopped_at"`

	Tracks []RecordingTrack `json:"tracks,omitempty" gorm:"foreignKey:RecordingID"`
}

func (Recording) TableName() string { return "recordings" }

// RecordingTrack is a single per-producer container file within a recording.
type RecordingTrack struct {
	ID                   int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	RecordingID          int64      `json:"recordingId" gorm:"column:recording_id;not null;index"`
	ChannelName          string     `json:"channelName" gorm:"column:channel_name;type:varchar(120);not null"`
	ProducerID           string     `json:"producerId" gorm:"column:producer_id;type:varchar(36);not null"`
	ProducerDisplayName  string     `json:"producerDisplayName" gorm:"column:producer_display_name;type:varchar(120);not null"`
	FilePath             string     `json:"filePath" gorm:"column:file_path;type:text;not null;default:''"`
	Status               string     `json:"status" gorm:"column:status;type:varchar(20);not null;default:recording"`
	StartedAt            time.Time  `json:"startedAt" gorm:"column:started_at;not null"`
	StoppedAt            *time.Time `json:"stoppedAt" gorm:"column:stopped_at"`
}

func (RecordingTrack) TableName() string { return "recording_tracks" }

// TranscriptSegment is a single timestamped utterance. Rows are append-only;
// timestamps are wall-clock Unix seconds so segments across producers are
// globally comparable.
type TranscriptSegment struct {
	ID                  int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	RoomID              int64     `json:"roomId" gorm:"column:room_id;not null;index:idx_transcripts_room_time"`
	ChannelName         string    `json:"channelName" gorm:"column:channel_name;type:varchar(120);not null;index"`
	ProducerID          string    `json:"producerId" gorm:"column:producer_id;type:varchar(36);not null"`
	ProducerDisplayName string    `json:"producerDisplayName" gorm:"column:producer_display_name;type:varchar(120);not null"`
	TextContent         string    `json:"textContent" gorm:"column:text_content;type:text;not null"`
	TimestampStart      float64   `json:"timestampStart" gorm:"column:timestamp_start;not null;index:idx_transcripts_room_time"`
	TimestampEnd        float64   `json:"timestampEnd" gorm:"column:timestamp_end;not null"`
	Confidence          float64   `json:"confidence" gorm:"column:confidence;not null;default:1"`
	Language            string    `json:"language" gorm:"column:language;type:varchar(16);not null;default:'en'"`
	CreatedAt           time.Time `json:"createdAt" gorm:"column:created_at;not null"`
}

func (TranscriptSegment) TableName() string { return "transcripts" }

// EmbeddingMetadata joins a transcript segment to its vector-table row.
// The row id here equals the rowid of the vector in the vec0 virtual table;
// both rows are written in the same transaction to keep that coupling.
type EmbeddingMetadata struct {
	ID           int64 `json:"id" gorm:"primaryKey"`
	TranscriptID int64 `json:"transcriptId" gorm:"column:transcript_id;not null;uniqueIndex"`
	RoomID       int64 `json:"roomId" gorm:"column:room_id;not null;index"`
}

func (EmbeddingMetadata) TableName() string { return "embedding_metadata" }
