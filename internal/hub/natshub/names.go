package natshub

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

const (
	BucketName  = "EDGEHUB_DEVICES"
	StreamName  = "EDGEHUB_C2D"
	SubjectRoot = "edgehub.devices"

	maxConsumerStem = 48
)

// DeviceSubject is the subject hub-to-device messages for id are published on.
func DeviceSubject(id string) string {
	return SubjectRoot + "." + id + ".commands"
}

// ConsumerName returns the durable consumer name for id. Characters JetStream
// rejects in names are replaced and a hash of the raw id keeps the result
// unique.
func ConsumerName(id string) string {
	stem := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
	if len(stem) > maxConsumerStem {
		stem = stem[:maxConsumerStem]
	}
	return fmt.Sprintf("device-%s-%016x", stem, xxh3.HashString(id))
}
