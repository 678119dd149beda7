package frame

import (
	"encoding/json"

	"github.com/juju/errors"
)

// MQTT data topics carry JSON instead of binary frames.
// Payload travels as JSON string, empty payload is omitted.

type jsonCommand struct {
	ID      *uint16 `json:"id"`
	Op      *string `json:"op"`
	Payload string  `json:"payload,omitempty"`
}

type jsonResponse struct {
	ID      uint16  `json:"id"`
	Status  int8    `json:"status"`
	Final   bool    `json:"is_final"`
	Payload *string `json:"payload"`
}

func EncodeJSONCommand(f *Frame) ([]byte, error) {
	if len(f.Op) > MaxOperationLen {
		return nil, errors.Annotatef(ErrInvalidOperationName, "op=%q", f.Op)
	}
	return json.Marshal(jsonCommand{ID: &f.RequestID, Op: &f.Op, Payload: string(f.Payload)})
}

// DecodeJSONCommand requires numeric id and string op.
func DecodeJSONCommand(b []byte) (Frame, error) {
	var jc jsonCommand
	if err := json.Unmarshal(b, &jc); err != nil {
		return Frame{}, errors.Annotate(err, "json command")
	}
	if jc.ID == nil || jc.Op == nil {
		return Frame{}, errors.NotValidf("json command without id or op")
	}
	if len(*jc.Op) > MaxOperationLen {
		return Frame{}, errors.Annotatef(ErrInvalidOperationName, "op=%q", *jc.Op)
	}
	f := Frame{RequestID: *jc.ID, Op: *jc.Op}
	if jc.Payload != "" {
		f.Payload = []byte(jc.Payload)
	}
	return f, nil
}

func EncodeJSONResponse(r *Response) ([]byte, error) {
	jr := jsonResponse{ID: r.RequestID, Status: r.Status, Final: r.Final}
	if len(r.Payload) != 0 {
		s := string(r.Payload)
		jr.Payload = &s
	}
	return json.Marshal(jr)
}

func DecodeJSONResponse(b []byte) (Response, error) {
	var jr jsonResponse
	if err := json.Unmarshal(b, &jr); err != nil {
		return Response{}, errors.Annotate(err, "json response")
	}
	r := Response{RequestID: jr.ID, Status: jr.Status, Final: jr.Final}
	if jr.Payload != nil && *jr.Payload != "" {
		r.Payload = []byte(*jr.Payload)
	}
	return r, nil
}
