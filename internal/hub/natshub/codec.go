package natshub

import (
	"fmt"

	"github.com/danmuck/edgehub/internal/hub"
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("natshub: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("natshub: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(rec hub.DeviceRecord) ([]byte, error) {
	data, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("natshub: encode record %s: %w", rec.ID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (hub.DeviceRecord, error) {
	var rec hub.DeviceRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return hub.DeviceRecord{}, fmt.Errorf("natshub: decode record: %w", err)
	}
	return rec, nil
}
