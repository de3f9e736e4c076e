// Package wire defines the JSON-serialisable request/response vocabulary
// carried over the puppypeer application protocol, plus the access-control
// and system-inspection data shapes the handlers produce.
//
// PeerReq and PeerRes are tagged unions in spirit: a Type discriminator
// plus a raw JSON payload whose shape depends on that type. Go has no
// native tagged union, so the discriminator + json.RawMessage pairing
// (already the teacher's own Message{Type, Payload} idiom in
// blacktrace-go/node/types.go) stands in for it.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MaxFrameSize bounds a single framed message, guarding against a peer
// claiming an absurd length prefix.
const MaxFrameSize = 64 << 20 // 64 MiB

// WriteMessage frames v as a 4-byte big-endian length prefix followed by
// its JSON encoding, matching the teacher's stream framing in
// blacktrace-go/node/network.go.
func WriteMessage(w io.Writer, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}
	if len(raw) > MaxFrameSize {
		return fmt.Errorf("wire: message of %d bytes exceeds max frame size", len(raw))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(raw))); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("wire: write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON message into v.
func ReadMessage(r io.Reader, v interface{}) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return err
	}
	if length > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max frame size", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("wire: read message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal message: %w", err)
	}
	return nil
}

// ReqType names a PeerReq variant.
type ReqType string

const (
	ReqListDir          ReqType = "list_dir"
	ReqStatFile         ReqType = "stat_file"
	ReqReadFile         ReqType = "read_file"
	ReqWriteFile        ReqType = "write_file"
	ReqListCpus         ReqType = "list_cpus"
	ReqListDisks        ReqType = "list_disks"
	ReqListInterfaces   ReqType = "list_interfaces"
	ReqListPermissions  ReqType = "list_permissions"
	ReqAuthenticate     ReqType = "authenticate"
	ReqCreateUser       ReqType = "create_user"
	ReqCreateToken      ReqType = "create_token"
	ReqGrantAccess      ReqType = "grant_access"
	ReqListUsers        ReqType = "list_users"
	ReqListTokens       ReqType = "list_tokens"
	ReqRevokeToken      ReqType = "revoke_token"
	ReqRevokeUser       ReqType = "revoke_user"
)

// KnownReqTypes enumerates every recognised request tag; anything else must
// be rejected with Error("unknown request") per spec.md §6.1.
var KnownReqTypes = map[ReqType]bool{
	ReqListDir: true, ReqStatFile: true, ReqReadFile: true, ReqWriteFile: true,
	ReqListCpus: true, ReqListDisks: true, ReqListInterfaces: true, ReqListPermissions: true,
	ReqAuthenticate: true, ReqCreateUser: true, ReqCreateToken: true, ReqGrantAccess: true,
	ReqListUsers: true, ReqListTokens: true, ReqRevokeToken: true, ReqRevokeUser: true,
}

// ResType names a PeerRes variant.
type ResType string

const (
	ResDirEntries     ResType = "dir_entries"
	ResFileStat       ResType = "file_stat"
	ResFileChunk      ResType = "file_chunk"
	ResWriteAck       ResType = "write_ack"
	ResCpus           ResType = "cpus"
	ResDisks          ResType = "disks"
	ResInterfaces     ResType = "interfaces"
	ResPermissions    ResType = "permissions"
	ResAuthSuccess    ResType = "auth_success"
	ResAuthFailure    ResType = "auth_failure"
	ResUserCreated    ResType = "user_created"
	ResUserRemoved    ResType = "user_removed"
	ResTokenIssued    ResType = "token_issued"
	ResTokenRevoked   ResType = "token_revoked"
	ResAccessGranted  ResType = "access_granted"
	ResUsers          ResType = "users"
	ResTokens         ResType = "tokens"
	ResError          ResType = "error"
)

// PeerReq is the envelope carried inbound over the protocol stream.
type PeerReq struct {
	Type    ReqType         `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PeerRes is the envelope carried outbound over the protocol stream.
type PeerRes struct {
	Type    ResType         `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func marshalPayload(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Every payload type here is a plain data struct; a marshal
		// failure means a programming error, not a runtime condition.
		panic(fmt.Sprintf("wire: marshal payload: %v", err))
	}
	return raw
}

// NewRequest builds a PeerReq envelope for a given payload.
func NewRequest(t ReqType, payload interface{}) PeerReq {
	if payload == nil {
		return PeerReq{Type: t}
	}
	return PeerReq{Type: t, Payload: marshalPayload(payload)}
}

// NewResponse builds a PeerRes envelope for a given payload.
func NewResponse(t ResType, payload interface{}) PeerRes {
	if payload == nil {
		return PeerRes{Type: t}
	}
	return PeerRes{Type: t, Payload: marshalPayload(payload)}
}

// NewError builds the universal Error(string) response variant.
func NewError(msg string) PeerRes {
	return NewResponse(ResError, ErrorPayload{Message: msg})
}

// Decode unmarshals a request's payload into dst.
func (r PeerReq) Decode(dst interface{}) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, dst)
}

// Decode unmarshals a response's payload into dst.
func (r PeerRes) Decode(dst interface{}) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, dst)
}

// IsError reports whether a response is the Error(string) variant, and
// returns its message.
func (r PeerRes) IsError() (string, bool) {
	if r.Type != ResError {
		return "", false
	}
	var payload ErrorPayload
	if err := r.Decode(&payload); err != nil {
		return "malformed error payload", true
	}
	return payload.Message, true
}

// --- request payloads ---

type ListDirRequest struct {
	Path string `json:"path"`
}

type StatFileRequest struct {
	Path string `json:"path"`
}

type ReadFileRequest struct {
	Path   string  `json:"path"`
	Offset uint64  `json:"offset"`
	Length *uint64 `json:"length,omitempty"`
}

type WriteFileRequest struct {
	Path   string `json:"path"`
	Offset uint64 `json:"offset"`
	Data   []byte `json:"data"`
}

type AuthenticateRequest struct {
	Method AuthMethod `json:"method"`
}

type CreateUserRequest struct {
	Username    string            `json:"username"`
	Password    string            `json:"password"`
	Roles       []string          `json:"roles"`
	Permissions []PermissionGrant `json:"permissions"`
}

type CreateTokenRequest struct {
	Username        string            `json:"username"`
	Label           *string           `json:"label,omitempty"`
	ExpiresInSecond *uint64           `json:"expires_in,omitempty"`
	Permissions     []PermissionGrant `json:"permissions"`
}

type GrantAccessRequest struct {
	Username    string            `json:"username"`
	Permissions []PermissionGrant `json:"permissions"`
	Merge       bool              `json:"merge"`
}

type ListTokensRequest struct {
	Username *string `json:"username,omitempty"`
}

type RevokeTokenRequest struct {
	TokenID string `json:"token_id"`
}

type RevokeUserRequest struct {
	Username string `json:"username"`
}

// AuthMethod is a tagged union: Token{token} | Credentials{username,password}.
type AuthMethod struct {
	Kind     string `json:"kind"` // "token" | "credentials"
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// PermissionGrant is one entry of an auth grant (reserved auth surface).
type PermissionGrant struct {
	Kind string `json:"kind"` // "owner"|"viewer"|"files"|"system_info"|"disk_info"|"network_info"
	Path string `json:"path,omitempty"`
	// Access is "read" or "read_write", only meaningful when Kind == "files".
	Access string `json:"access,omitempty"`
}

// --- response payloads ---

type DirEntriesResponse struct {
	Entries []DirEntry `json:"entries"`
}

type FileStatResponse struct {
	Entry DirEntry `json:"entry"`
}

// FileChunk is returned verbatim as the FileChunk response payload.
type FileChunk struct {
	Offset uint64 `json:"offset"`
	Data   []byte `json:"data"`
	Eof    bool   `json:"eof"`
}

// FileWriteAck is returned verbatim as the WriteAck response payload.
type FileWriteAck struct {
	BytesWritten uint64 `json:"bytes_written"`
}

type CpusResponse struct {
	Cpus []CpuInfo `json:"cpus"`
}

type DisksResponse struct {
	Disks []DiskInfo `json:"disks"`
}

type InterfacesResponse struct {
	Interfaces []InterfaceInfo `json:"interfaces"`
}

type PermissionsResponse struct {
	Permissions []Permission `json:"permissions"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type AuthSuccessResponse struct {
	Session SessionInfo `json:"session"`
}

type AuthFailureResponse struct {
	Reason string `json:"reason"`
}

type UserCreatedResponse struct {
	Username string `json:"username"`
}

type UserRemovedResponse struct {
	Username string `json:"username"`
}

type TokenIssuedResponse struct {
	Token       string            `json:"token"`
	TokenID     string            `json:"token_id"`
	Username    string            `json:"username"`
	Permissions []PermissionGrant `json:"permissions"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

type TokenRevokedResponse struct {
	TokenID string `json:"token_id"`
}

type AccessGrantedResponse struct {
	Username    string            `json:"username"`
	Permissions []PermissionGrant `json:"permissions"`
}

type UserSummary struct {
	Username    string            `json:"username"`
	Roles       []string          `json:"roles"`
	Permissions []PermissionGrant `json:"permissions"`
}

type UsersResponse struct {
	Users []UserSummary `json:"users"`
}

type TokenInfo struct {
	ID          string            `json:"id"`
	Username    string            `json:"username"`
	Label       *string           `json:"label,omitempty"`
	Permissions []PermissionGrant `json:"permissions"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Revoked     bool              `json:"revoked"`
	IssuedAt    time.Time         `json:"issued_at"`
	IssuedBy    string            `json:"issued_by"`
}

type TokensResponse struct {
	Tokens []TokenInfo `json:"tokens"`
}

type SessionInfo struct {
	SessionID   string            `json:"session_id"`
	Username    string            `json:"username"`
	Roles       []string          `json:"roles"`
	Permissions []PermissionGrant `json:"permissions"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// --- shared data shapes ---

// DirEntry describes one file-system entry, local or remote.
type DirEntry struct {
	Name         string     `json:"name"`
	IsDir        bool       `json:"is_dir"`
	Extension    *string    `json:"extension,omitempty"`
	Mime         *string    `json:"mime,omitempty"`
	Size         uint64     `json:"size"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	ModifiedAt   *time.Time `json:"modified_at,omitempty"`
	AccessedAt   *time.Time `json:"accessed_at,omitempty"`
}

// CpuInfo describes one sampled logical CPU.
type CpuInfo struct {
	Name          string  `json:"name"`
	UsagePercent  float64 `json:"usage_percent"`
	FrequencyHz   uint64  `json:"frequency_hz"`
}

// InterfaceTotals aggregates per-interface traffic counters.
type InterfaceTotals struct {
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
}

// InterfaceInfo describes one sampled network interface.
type InterfaceInfo struct {
	Name   string          `json:"name"`
	Mac    string          `json:"mac"`
	Ips    []string        `json:"ips"`
	Totals InterfaceTotals `json:"totals"`
	Mtu    uint32          `json:"mtu"`
}

// DiskInfo describes one mounted volume (supplements spec.md's explicit
// handler table — see SPEC_FULL.md's Request Handlers section).
type DiskInfo struct {
	Name              string  `json:"name"`
	MountPath         string  `json:"mount_path"`
	Filesystem        string  `json:"filesystem"`
	TotalSpace        uint64  `json:"total_space"`
	AvailableSpace    uint64  `json:"available_space"`
	UsagePercent      float64 `json:"usage_percent"`
	TotalReadBytes    uint64  `json:"total_read_bytes"`
	TotalWrittenBytes uint64  `json:"total_written_bytes"`
	ReadOnly          bool    `json:"read_only"`
	Removable         bool    `json:"removable"`
	Kind              string  `json:"kind"`
}

// FolderRuleWire is the wire form of a canonical shared-folder rule.
type FolderRuleWire struct {
	Path  string `json:"path"`
	Flags uint8  `json:"flags"`
}

// Rule is a tagged union: Owner | Folder(FolderRuleWire).
type Rule struct {
	Kind   string          `json:"kind"` // "owner" | "folder"
	Folder *FolderRuleWire `json:"folder,omitempty"`
}

// Permission is the wire form returned by ListPermissions.
type Permission struct {
	Rule      Rule       `json:"rule"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
