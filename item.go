package syncq

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Kind tags the closed set of mutations that can be queued.
type Kind string

const (
	// KindReport is a daily site report submission.
	KindReport Kind = "REPORT"
	// KindDeliveryNote is a delivery-note submission with attachments.
	KindDeliveryNote Kind = "DELIVERY_NOTE"
	// KindPhotoNote is a photo documentation entry (main image plus auxiliary files).
	KindPhotoNote Kind = "PHOTO_NOTE"
)

// AllKinds lists every valid kind in a stable order.
var AllKinds = []Kind{KindReport, KindDeliveryNote, KindPhotoNote}

// String returns the raw string value of the kind.
func (k Kind) String() string { return string(k) }

// ParseKind converts a string into a Kind, returning ErrUnknownKind for unknown values.
func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindReport):
		return KindReport, nil
	case string(KindDeliveryNote):
		return KindDeliveryNote, nil
	case string(KindPhotoNote):
		return KindPhotoNote, nil
	default:
		return "", ErrUnknownKind
	}
}

// Status is the lifecycle state of a queued item.
// Use the exported constants instead of raw strings to avoid typos.
type Status string

const (
	// StatusPending items wait for (another) delivery attempt.
	StatusPending Status = "PENDING"
	// StatusDone items were accepted by the remote service. DONE is terminal.
	StatusDone Status = "DONE"
	// StatusError items were rejected or exhausted their attempts.
	StatusError Status = "ERROR"
)

// AllStatuses lists every valid status in a stable order.
var AllStatuses = []Status{StatusPending, StatusError, StatusDone}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool { return s == StatusDone }

// ParseStatus converts a string into a Status, returning ErrUnknownStatus for unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusPending):
		return StatusPending, nil
	case string(StatusDone):
		return StatusDone, nil
	case string(StatusError):
		return StatusError, nil
	default:
		return "", ErrUnknownStatus
	}
}

// Document is a free-form draft as edited on the device.
type Document map[string]any

// Attachment references a file that was already copied into stable local storage.
// The queue never re-resolves the URI.
type Attachment struct {
	URI      string `json:"uri"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Payload is the kind-specific body of a queued mutation. The set of
// implementations is closed; the kind of an item is always its payload's kind.
type Payload interface {
	Kind() Kind
	isPayload()
}

// ReportPayload is a site report draft.
type ReportPayload struct {
	Draft       Document     `json:"draft"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// DeliveryNotePayload is a delivery note draft with its scanned documents.
type DeliveryNotePayload struct {
	Draft       Document     `json:"draft"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// PhotoNotePayload documents a main photo plus optional auxiliary files.
type PhotoNotePayload struct {
	Draft Document     `json:"draft"`
	Photo Attachment   `json:"photo"`
	Extra []Attachment `json:"extra,omitempty"`
}

func (ReportPayload) Kind() Kind       { return KindReport }
func (DeliveryNotePayload) Kind() Kind { return KindDeliveryNote }
func (PhotoNotePayload) Kind() Kind    { return KindPhotoNote }

func (ReportPayload) isPayload()       {}
func (DeliveryNotePayload) isPayload() {}
func (PhotoNotePayload) isPayload()    {}

func decodePayload(kind Kind, raw []byte) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch kind {
	case KindReport:
		var p ReportPayload
		err := sonic.Unmarshal(raw, &p)
		return p, err
	case KindDeliveryNote:
		var p DeliveryNotePayload
		err := sonic.Unmarshal(raw, &p)
		return p, err
	case KindPhotoNote:
		var p PhotoNotePayload
		err := sonic.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
}

// Item is one queued mutation. It is serialized to JSON as part of the queue snapshot.
type Item struct {
	// ID is the unique, immutable identifier of the item.
	ID string `json:"id"`
	// CreatedAt is the timestamp (ms) when the item was enqueued.
	CreatedAt int64 `json:"created_at"`
	// TargetID is the canonical project key the mutation belongs to.
	TargetID string `json:"target_id"`
	// Kind selects the remote endpoint and the payload variant.
	Kind Kind `json:"kind"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// Attempts counts delivery attempts that reached the remote side.
	Attempts int `json:"attempts"`
	// LastAttemptAt is the timestamp (ms) of the latest attempt, 0 if never attempted.
	LastAttemptAt int64 `json:"last_attempt_at,omitempty"`
	// NextEligibleAt is the timestamp (ms) before which the item is not retried, 0 if unset.
	NextEligibleAt int64 `json:"next_eligible_at,omitempty"`
	// Fingerprint is the dedupe key over kind, target and business payload.
	Fingerprint string `json:"fingerprint"`
	// LastError is the message of the latest failure.
	LastError string `json:"last_error,omitempty"`
	// Result is the opaque value reported by the executor on success.
	Result []byte `json:"result,omitempty"`
	// Payload is the kind-specific body.
	Payload Payload `json:"-"`
}

// ItemFilter is a function used to filter items during List.
type ItemFilter func(*Item) bool

type itemAlias Item

// MarshalJSON writes the payload next to the kind tag.
func (it Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		itemAlias
		Payload Payload `json:"payload"`
	}{itemAlias: itemAlias(it), Payload: it.Payload})
}

// UnmarshalJSON decodes the payload into the variant selected by the kind tag.
func (it *Item) UnmarshalJSON(b []byte) error {
	var aux struct {
		itemAlias
		Payload json.RawMessage `json:"payload"`
	}
	if err := sonic.Unmarshal(b, &aux); err != nil {
		return err
	}
	if _, err := ParseKind(string(aux.Kind)); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(aux.Kind))
	}
	if _, err := ParseStatus(string(aux.Status)); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, string(aux.Status))
	}
	p, err := decodePayload(aux.Kind, aux.Payload)
	if err != nil {
		return fmt.Errorf("syncq: decode %s payload: %w", aux.Kind, err)
	}
	*it = Item(aux.itemAlias)
	it.Payload = p
	return nil
}
