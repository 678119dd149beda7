package frame

import (
	"fmt"

	"github.com/juju/errors"
)

// Response frames reuse command layout, operation is "ok" or "err"
// and first payload byte is signed status.
const (
	OpOK  = "ok"
	OpErr = "err"
)

const (
	StatusOK           int8 = 0
	StatusError        int8 = -1
	StatusUnknownOp    int8 = -2
	StatusInvalidInput int8 = -3
)

var ErrInvalidResponse = fmt.Errorf("response frame is invalid")

type Response struct {
	RequestID uint16
	Status    int8
	Payload   []byte

	// Only carried by JSON form, binary transport closes stream per frame.
	Final bool
}

func (r *Response) OK() bool { return r.Status == StatusOK }

func (r *Response) String() string {
	return fmt.Sprintf("Response(id=%d status=%d payload=%d)", r.RequestID, r.Status, len(r.Payload))
}

func EncodeResponse(r *Response) ([]byte, error) {
	op := OpOK
	if r.Status != StatusOK {
		op = OpErr
	}
	payload := make([]byte, 1+len(r.Payload))
	payload[0] = byte(r.Status)
	copy(payload[1:], r.Payload)
	return Encode(r.RequestID, op, payload)
}

func DecodeResponse(b []byte) (Response, error) {
	f, err := Decode(b)
	if err != nil {
		return Response{}, err
	}
	if f.Op != OpOK && f.Op != OpErr {
		return Response{}, errors.Annotatef(ErrInvalidResponse, "op=%q", f.Op)
	}
	if len(f.Payload) < 1 {
		return Response{}, errors.Annotate(ErrTruncatedFrame, "response status")
	}
	r := Response{
		RequestID: f.RequestID,
		Status:    int8(f.Payload[0]),
		Final:     true,
	}
	if (r.Status == StatusOK) != (f.Op == OpOK) {
		return Response{}, errors.Annotatef(ErrInvalidResponse, "op=%s status=%d", f.Op, r.Status)
	}
	if len(f.Payload) > 1 {
		r.Payload = f.Payload[1:]
	}
	return r, nil
}
