package firehose

import (
	"encoding/json"

	"github.com/bmailapp/bmail/internal/model"
)

// Kind classifies a RecordEvent for the coordinator's ingress sink.
type Kind int

const (
	// KindIgnored is any record not belonging to bmail's wire format.
	KindIgnored Kind = iota
	// KindMessage is a bmail message record.
	KindMessage
	// KindNotification is a notification-like record.
	KindNotification
)

// Classify inspects e.Record's bmail_type discriminant (spec.md §3) and
// decodes it into the matching typed record, reporting KindIgnored for
// anything else so ordinary Bluesky activity on the same repo is
// silently skipped.
func Classify(e RecordEvent) (Kind, any) {
	bmailType, _ := e.Record["bmail_type"].(string)
	switch bmailType {
	case model.RecordTypeBmail:
		var rec model.MessageRecord
		if !remarshal(e.Record, &rec) {
			return KindIgnored, nil
		}
		return KindMessage, rec
	case model.RecordTypeNotification:
		var rec model.NotificationLike
		if !remarshal(e.Record, &rec) {
			return KindIgnored, nil
		}
		return KindNotification, rec
	default:
		return KindIgnored, nil
	}
}

// remarshal round-trips through JSON to coerce a cbor-decoded
// map[string]any into a typed struct, tolerating the field-order and
// numeric-width differences between DAG-CBOR and the struct's tags.
func remarshal(src map[string]any, dst any) bool {
	raw, err := json.Marshal(src)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
