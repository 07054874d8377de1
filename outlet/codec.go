package outlet

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/Uranury/OpmGo/stream"
)

// Message types carried by the hub and the recording file.
const (
	MessageSchema = "schema"
	MessageChunk  = "chunk"
	MessageEnd    = "end"
)

// Message is the envelope written to WebSocket clients and recordings.
type Message struct {
	Type   string         `json:"type" cbor:"type"`
	Schema *stream.Schema `json:"schema,omitempty" cbor:"schema,omitempty"`
	Chunk  *stream.Chunk  `json:"chunk,omitempty" cbor:"chunk,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Sensor ids travel as their "CC:SS" text form.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("outlet: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("outlet: CBOR decoder initialization failed: " + err.Error())
	}
}
