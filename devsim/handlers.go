package devsim

import (
	"context"
	"encoding/json"
	"time"

	"github.com/smartdrip/driplink/frame"
)

const (
	OpPing          = "ping"
	OpDeviceStatus  = "deviceStatus"
	OpWiFiScan      = "wifiScan"
	OpWiFiConfigure = "wifiConfigure"
	OpSyncSchedule  = "syncSchedule"
)

func (d *Device) registerDefaults() {
	d.Handle(OpPing, d.ping)
	d.Handle(OpDeviceStatus, d.deviceStatus)
	d.Handle(OpWiFiScan, d.wifiScan)
	d.Handle(OpWiFiConfigure, d.wifiConfigure)
	d.Handle(OpSyncSchedule, d.syncSchedule)
}

func jsonReply(v interface{}) (int8, []byte) {
	b, err := json.Marshal(v)
	if err != nil {
		return frame.StatusError, nil
	}
	return frame.StatusOK, b
}

func (d *Device) ping(ctx context.Context, payload []byte) (int8, []byte) {
	d.state.countCommand()
	return jsonReply(map[string]bool{"pong": true})
}

func (d *Device) deviceStatus(ctx context.Context, payload []byte) (int8, []byte) {
	d.state.countCommand()
	ssid, _ := d.state.WiFi()
	session := "plaintext"
	if d.responder != nil {
		session = d.responder.State().String()
	}
	return jsonReply(struct {
		Name     string `json:"name"`
		Version  string `json:"version"`
		Uptime   int64  `json:"uptime_sec"`
		SSID     string `json:"ssid"`
		Zones    int    `json:"zones"`
		Session  string `json:"session"`
		Commands int    `json:"commands"`
	}{
		Name:     d.opt.Name,
		Version:  d.opt.Version,
		Uptime:   int64(time.Since(d.state.started) / time.Second),
		SSID:     ssid,
		Zones:    len(d.state.Zones()),
		Session:  session,
		Commands: d.state.Commands(),
	})
}

func (d *Device) wifiScan(ctx context.Context, payload []byte) (int8, []byte) {
	d.state.countCommand()
	return jsonReply(struct {
		APs []AccessPoint `json:"aps"`
	}{d.state.AccessPoints()})
}

func (d *Device) wifiConfigure(ctx context.Context, payload []byte) (int8, []byte) {
	d.state.countCommand()
	if len(payload) == 0 {
		return -1, nil
	}
	var req struct {
		SSID *string `json:"ssid"`
		Pass string  `json:"pass"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return -2, nil
	}
	if req.SSID == nil {
		return -3, nil
	}
	d.state.setWiFi(*req.SSID, req.Pass)
	return frame.StatusOK, nil
}

func (d *Device) syncSchedule(ctx context.Context, payload []byte) (int8, []byte) {
	d.state.countCommand()
	if len(payload) == 0 {
		return -2, nil
	}
	var req struct {
		Zones json.RawMessage `json:"zones"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return -3, nil
	}
	var items []json.RawMessage
	if len(req.Zones) == 0 || req.Zones[0] != '[' || json.Unmarshal(req.Zones, &items) != nil {
		return -4, nil
	}
	zones := make([]Zone, len(items))
	for i, item := range items {
		// firmware does not validate zone content
		if json.Unmarshal(item, &zones[i]) != nil {
			zones[i] = Zone{ID: i + 1}
		}
	}
	d.state.setZones(zones)
	d.log.Infof("schedule zones=%d", len(zones))
	return frame.StatusOK, nil
}
