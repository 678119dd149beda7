package devsim_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/devsim"
	"github.com/smartdrip/driplink/frame"
	"github.com/smartdrip/driplink/link"
	"github.com/smartdrip/driplink/link/memlink"
	"github.com/smartdrip/driplink/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tenv struct {
	t    testing.TB
	ctx  context.Context
	app  *memlink.End
	d    *devsim.Device
	done chan error
}

func newEnv(t testing.TB, opt devsim.Options) *tenv {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	app, dev := memlink.Pipe(0)
	opt.Log = log2.NewTest(t, log2.LDebug)
	d, err := devsim.New(dev, opt)
	require.NoError(t, err)
	env := &tenv{t: t, ctx: ctx, app: app, d: d, done: make(chan error, 1)}
	go func() { env.done <- d.Run(ctx) }()
	return env
}

func (env *tenv) call(op string, payload []byte) frame.Response {
	b, err := frame.Encode(1, op, payload)
	require.NoError(env.t, err)
	require.NoError(env.t, env.app.Send(env.ctx, link.ChannelData, b))
	b, err = env.app.Receive(env.ctx, link.ChannelData)
	require.NoError(env.t, err)
	rsp, err := frame.DecodeResponse(b)
	require.NoError(env.t, err)
	assert.Equal(env.t, uint16(1), rsp.RequestID)
	assert.True(env.t, rsp.Final)
	return rsp
}

func (env *tenv) Close() {
	assert.NoError(env.t, env.app.Close())
	assert.NoError(env.t, <-env.done)
}

func TestHandlers(t *testing.T) {
	t.Parallel()

	type Case struct {
		name    string
		op      string
		payload string
		status  int8
		expect  string
		check   func(t testing.TB, d *devsim.Device)
	}
	cases := []Case{
		{"ping", devsim.OpPing, "", 0, `{"pong":true}`, nil},
		{"unknown", "selfDestruct", "", frame.StatusUnknownOp, `{"error":"unknown op \"selfDestruct\""}`, nil},
		{"scan", devsim.OpWiFiScan, "", 0, `{"aps":[{"ssid":"DripNet","rssi":-42},{"ssid":"Garden-5G","rssi":-67},{"ssid":"Neighbor","rssi":-80}]}`, nil},
		{"wifi-empty", devsim.OpWiFiConfigure, "", -1, "", nil},
		{"wifi-parse", devsim.OpWiFiConfigure, "{", -2, "", nil},
		{"wifi-no-ssid", devsim.OpWiFiConfigure, `{"pass":"secret"}`, -3, "", nil},
		{"wifi-ok", devsim.OpWiFiConfigure, `{"ssid":"Home","pass":"secret"}`, 0, "", func(t testing.TB, d *devsim.Device) {
			ssid, pass := d.State().WiFi()
			assert.Equal(t, "Home", ssid)
			assert.Equal(t, "secret", pass)
		}},
		{"schedule-empty", devsim.OpSyncSchedule, "", -2, "", nil},
		{"schedule-parse", devsim.OpSyncSchedule, "nope", -3, "", nil},
		{"schedule-not-array", devsim.OpSyncSchedule, `{"zones":{}}`, -4, "", nil},
		{"schedule-missing", devsim.OpSyncSchedule, `{}`, -4, "", nil},
		{"schedule-ok", devsim.OpSyncSchedule, `{"zones":[{"id":3,"start":"05:30","duration":20},7]}`, 0, "", func(t testing.TB, d *devsim.Device) {
			assert.Equal(t, []devsim.Zone{{ID: 3, Start: "05:30", Duration: 20}, {ID: 2}}, d.State().Zones())
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newEnv(t, devsim.Options{})
			defer env.Close()
			var payload []byte
			if c.payload != "" {
				payload = []byte(c.payload)
			}
			rsp := env.call(c.op, payload)
			assert.Equal(t, c.status, rsp.Status)
			if c.expect == "" {
				assert.Empty(t, rsp.Payload)
			} else {
				assert.JSONEq(t, c.expect, string(rsp.Payload))
			}
			if c.check != nil {
				c.check(t, env.d)
			}
		})
	}
}

func TestDeviceStatus(t *testing.T) {
	t.Parallel()

	env := newEnv(t, devsim.Options{Version: "1.2.3"})
	defer env.Close()
	env.call(devsim.OpPing, nil)
	rsp := env.call(devsim.OpDeviceStatus, nil)
	require.True(t, rsp.OK())
	var status struct {
		Name     string `json:"name"`
		Version  string `json:"version"`
		Session  string `json:"session"`
		Commands int    `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(rsp.Payload, &status))
	assert.Equal(t, link.BLEDeviceName, status.Name)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, "plaintext", status.Session)
	assert.Equal(t, 2, status.Commands)
}

func TestJSONCommand(t *testing.T) {
	t.Parallel()

	env := newEnv(t, devsim.Options{JSON: true})
	defer env.Close()
	require.NoError(t, env.app.Send(env.ctx, link.ChannelData, []byte(`{"id":7,"op":"wifiConfigure","payload":"{\"ssid\":\"Home\"}"}`)))
	b, err := env.app.Receive(env.ctx, link.ChannelData)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"status":0,"is_final":true,"payload":null}`, string(b))
	ssid, _ := env.d.State().WiFi()
	assert.Equal(t, "Home", ssid)

	// invalid JSON command is dropped, device keeps serving
	require.NoError(t, env.app.Send(env.ctx, link.ChannelData, []byte(`{"op":"ping"}`)))
	require.NoError(t, env.app.Send(env.ctx, link.ChannelData, []byte(`{"id":8,"op":"ping"}`)))
	b, err = env.app.Receive(env.ctx, link.ChannelData)
	require.NoError(t, err)
	rsp, err := frame.DecodeJSONResponse(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(8), rsp.RequestID)
	assert.True(t, rsp.OK())
}

// Little endian request id puts low byte first, 0x7b is '{'.
func TestBinaryRequestIDBrace(t *testing.T) {
	t.Parallel()

	env := newEnv(t, devsim.Options{})
	defer env.Close()
	for _, id := range []uint16{0x007a, 0x007b, 0x7b7b, 0xce7b} {
		b, err := frame.Encode(id, devsim.OpPing, nil)
		require.NoError(t, err)
		require.NoError(t, env.app.Send(env.ctx, link.ChannelData, b))
		b, err = env.app.Receive(env.ctx, link.ChannelData)
		require.NoError(t, err, "id=%#04x", id)
		rsp, err := frame.DecodeResponse(b)
		require.NoError(t, err)
		assert.Equal(t, id, rsp.RequestID)
		assert.True(t, rsp.OK())
	}
}

func TestSecureDropsPlaintext(t *testing.T) {
	t.Parallel()

	env := newEnv(t, devsim.Options{Secure: true, PoP: "abcd1234"})
	defer env.Close()
	b, err := frame.Encode(1, devsim.OpPing, nil)
	require.NoError(t, err)
	require.NoError(t, env.app.Send(env.ctx, link.ChannelData, b))

	ctx, cancel := context.WithTimeout(env.ctx, 100*time.Millisecond)
	defer cancel()
	_, err = env.app.Receive(ctx, link.ChannelData)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	assert.Equal(t, 0, env.d.State().Commands())
}

func TestRunStop(t *testing.T) {
	t.Parallel()

	_, dev := memlink.Pipe(0)
	d, err := devsim.New(dev, devsim.Options{Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	d.Stop()
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	_, dev := memlink.Pipe(0)
	d, err := devsim.New(dev, devsim.Options{Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}

func TestNewInvalidPoP(t *testing.T) {
	t.Parallel()

	_, dev := memlink.Pipe(0)
	_, err := devsim.New(dev, devsim.Options{Secure: true, PoP: string(make([]byte, 65))})
	assert.Error(t, err)
	_, err = devsim.New(dev, devsim.Options{Secure: true, PoP: "abcd1234", JSON: true})
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
}
