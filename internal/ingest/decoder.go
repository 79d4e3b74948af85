// Package ingest turns detection messages from the broker into frames for
// the engine.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/care/fallguard/internal/types"
)

// Payload formats
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// DefaultInstance is used when neither the payload nor the topic names one
const DefaultInstance = "default"

var (
	ErrUnknownFormat = errors.New("ingest: unknown payload format")
	ErrDecode        = errors.New("ingest: cannot decode payload")
)

// wireDetection accepts either width/height or the x2/y2 corner. Missing
// coordinates decode as NaN so validation rejects them downstream.
type wireDetection struct {
	X          *float64 `json:"x" msgpack:"x"`
	Y          *float64 `json:"y" msgpack:"y"`
	Width      *float64 `json:"width" msgpack:"width"`
	Height     *float64 `json:"height" msgpack:"height"`
	X2         *float64 `json:"x2" msgpack:"x2"`
	Y2         *float64 `json:"y2" msgpack:"y2"`
	Label      string   `json:"label" msgpack:"label"`
	Confidence float64  `json:"confidence" msgpack:"confidence"`
}

type wireFrame struct {
	InstanceID string          `json:"instance_id" msgpack:"instance_id"`
	Timestamp  *float64        `json:"timestamp" msgpack:"timestamp"`
	Objects    []wireDetection `json:"objects" msgpack:"objects"`
}

// Decoder parses detection payloads
type Decoder struct {
	format string
	// level of the topic segment naming the instance, -1 for the last
	// segment and -2 when the subscription has no wildcard
	level int
	now   func() time.Time
}

// NewDecoder creates a decoder for payloads received on subscription.
// Payloads without instance_id are attributed to the topic segment matched by
// the first "+" of subscription, or to the last segment under a "#".
// Otherwise they go to DefaultInstance.
func NewDecoder(format, subscription string) (*Decoder, error) {
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatMsgpack:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return &Decoder{
		format: format,
		level:  wildcardLevel(subscription),
		now:    time.Now,
	}, nil
}

// Format returns the payload format
func (d *Decoder) Format() string {
	return d.format
}

// Decode parses one message received on topic
func (d *Decoder) Decode(topic string, payload []byte) (types.FrameMessage, error) {
	var wf wireFrame
	var err error
	switch d.format {
	case FormatMsgpack:
		err = msgpack.Unmarshal(payload, &wf)
	default:
		err = json.Unmarshal(payload, &wf)
	}
	if err != nil {
		return types.FrameMessage{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	msg := types.FrameMessage{
		InstanceID: wf.InstanceID,
		Objects:    make([]types.Detection, len(wf.Objects)),
	}
	if msg.InstanceID == "" {
		msg.InstanceID = d.instanceFromTopic(topic)
	}
	if ts := wf.Timestamp; ts != nil {
		if math.IsNaN(*ts) || math.IsInf(*ts, 0) {
			return types.FrameMessage{}, fmt.Errorf("%w: timestamp %v is not finite", ErrDecode, *ts)
		}
		msg.Timestamp = *ts
	} else {
		msg.Timestamp = float64(d.now().UnixNano()) / 1e9
	}
	for i, w := range wf.Objects {
		msg.Objects[i] = w.detection()
	}
	return msg, nil
}

func wildcardLevel(subscription string) int {
	level := -2
	for i, seg := range strings.Split(subscription, "/") {
		switch seg {
		case "+":
			return i
		case "#":
			level = -1
		}
	}
	return level
}

func (d *Decoder) instanceFromTopic(topic string) string {
	if d.level == -2 || topic == "" {
		return DefaultInstance
	}
	segments := strings.Split(topic, "/")
	var segment string
	switch {
	case d.level == -1:
		segment = segments[len(segments)-1]
	case d.level < len(segments):
		segment = segments[d.level]
	}
	if segment == "" {
		return DefaultInstance
	}
	return segment
}

func (w wireDetection) detection() types.Detection {
	d := types.Detection{
		X:          orNaN(w.X),
		Y:          orNaN(w.Y),
		Width:      orNaN(w.Width),
		Height:     orNaN(w.Height),
		Label:      w.Label,
		Confidence: w.Confidence,
	}
	if w.Width == nil && w.X2 != nil && w.X != nil {
		d.Width = *w.X2 - *w.X
	}
	if w.Height == nil && w.Y2 != nil && w.Y != nil {
		d.Height = *w.Y2 - *w.Y
	}
	return d
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
