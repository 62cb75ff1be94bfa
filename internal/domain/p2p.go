package domain

import (
	"strings"
	"time"
)

type P2PRole string

const (
	RoleSender   P2PRole = "sender"
	RoleReceiver P2PRole = "receiver"
)

// TransferStatus only ever advances: waiting -> transferring -> completed.
type TransferStatus string

const (
	TransferWaiting      TransferStatus = "waiting"
	TransferTransferring TransferStatus = "transferring"
	TransferCompleted    TransferStatus = "completed"
)

func (s TransferStatus) rank() int {
	switch s {
	case TransferWaiting:
		return 1
	case TransferTransferring:
		return 2
	case TransferCompleted:
		return 3
	default:
		return 0
	}
}

func (s TransferStatus) Valid() bool {
	return s.rank() > 0
}

// Advances reports whether moving from s to next is a forward step.
func (s TransferStatus) Advances(next TransferStatus) bool {
	return next.Valid() && next.rank() > s.rank()
}

// SendDescriptor is the backend's answer to a P2P send start.
type SendDescriptor struct {
	Code        string         `json:"code"`
	URL         string         `json:"url"`
	ContentName string         `json:"fileName"`
	ContentSize int64          `json:"fileSize"`
	IsDirectory bool           `json:"isDir"`
	Status      TransferStatus `json:"status"`
}

func (d SendDescriptor) Validate() error {
	switch {
	case strings.TrimSpace(d.Code) == "":
		return malformed("send descriptor: missing code")
	case strings.TrimSpace(d.URL) == "":
		return malformed("send descriptor: missing url")
	case strings.TrimSpace(d.ContentName) == "":
		return malformed("send descriptor: missing fileName")
	case d.ContentSize < 0:
		return malformed("send descriptor: negative fileSize")
	case d.Status != "" && !d.Status.Valid():
		return malformed("send descriptor: unknown status " + string(d.Status))
	}
	return nil
}

// PeerDescriptor is what a sender advertises to a connecting receiver.
type PeerDescriptor struct {
	ContentName string `json:"fileName"`
	ContentSize int64  `json:"fileSize"`
	IsDirectory bool   `json:"isDir"`
	ShareCode   string `json:"code"`
}

func (d PeerDescriptor) Validate() error {
	switch {
	case strings.TrimSpace(d.ContentName) == "":
		return malformed("peer descriptor: missing fileName")
	case d.ContentSize < 0:
		return malformed("peer descriptor: negative fileSize")
	}
	return nil
}

type PeerInfo struct {
	ContentName string `json:"contentName"`
	ContentSize int64  `json:"contentSize"`
	IsDirectory bool   `json:"isDirectory"`
	ShareCode   string `json:"shareCode"`
	URL         string `json:"url"`
}

type P2PSession struct {
	ID   string  `json:"id"`
	Role P2PRole `json:"role"`

	// Sender fields.
	ShareCode      string         `json:"shareCode,omitempty"`
	ShareURL       string         `json:"shareUrl,omitempty"`
	ContentName    string         `json:"contentName,omitempty"`
	ContentSize    int64          `json:"contentSize,omitempty"`
	IsDirectory    bool           `json:"isDirectory,omitempty"`
	TransferStatus TransferStatus `json:"transferStatus,omitempty"`

	// Receiver fields.
	RemoteAddress string    `json:"remoteAddress,omitempty"`
	Peer          *PeerInfo `json:"peer,omitempty"`

	BytesTransferred int64     `json:"bytesTransferred"`
	StartedAt        time.Time `json:"startedAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// NewSenderSession materializes a sender-role session in waiting status.
func NewSenderSession(id string, d SendDescriptor, now time.Time) P2PSession {
	return P2PSession{
		ID:             id,
		Role:           RoleSender,
		ShareCode:      d.Code,
		ShareURL:       d.URL,
		ContentName:    d.ContentName,
		ContentSize:    d.ContentSize,
		IsDirectory:    d.IsDirectory,
		TransferStatus: TransferWaiting,
		StartedAt:      now,
		UpdatedAt:      now,
	}
}

// NewReceiverSession materializes a receiver-role session for address.
func NewReceiverSession(id, address string, d PeerDescriptor, now time.Time) P2PSession {
	return P2PSession{
		ID:            id,
		Role:          RoleReceiver,
		RemoteAddress: address,
		Peer: &PeerInfo{
			ContentName: d.ContentName,
			ContentSize: d.ContentSize,
			IsDirectory: d.IsDirectory,
			ShareCode:   d.ShareCode,
			URL:         address,
		},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Peer is one discovery result; valid only for the round that produced it.
type Peer struct {
	Code string `json:"code"`
	URL  string `json:"url"`
}

func malformed(msg string) error {
	return &malformedError{msg: msg}
}

type malformedError struct{ msg string }

func (e *malformedError) Error() string { return "malformed response: " + e.msg }

func (e *malformedError) Unwrap() error { return ErrRemote }
